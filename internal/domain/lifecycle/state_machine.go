// Пакет lifecycle — конечный автомат состояний образа.
//
// Жизненный цикл:
//   - downloading | uploading → verifying → available
//   - любое активное состояние → error (файл удаляется)
//   - available ↔ missing (выставляет только сверка)
//   - available | error → verifying (повторная проверка по запросу)
//
// Автомат не хранит состояние: текущее состояние лежит в записи
// репозитория, пакет только решает, допустим ли переход.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущее состояние, значение — набор допустимых целевых.
var validTransitions = map[model.AssetStatus]map[model.AssetStatus]bool{
	model.StatusDownloading: {model.StatusVerifying: true, model.StatusError: true},
	model.StatusUploading:   {model.StatusVerifying: true, model.StatusError: true},
	model.StatusVerifying:   {model.StatusAvailable: true, model.StatusError: true},
	model.StatusAvailable:   {model.StatusMissing: true, model.StatusVerifying: true},
	model.StatusMissing:     {model.StatusAvailable: true},
	model.StatusError:       {model.StatusVerifying: true},
}

// initialStatus — начальное состояние для каждого способа добавления.
var initialStatus = map[model.AddMethod]model.AssetStatus{
	model.AddMethodURL:        model.StatusDownloading,
	model.AddMethodUpload:     model.StatusUploading,
	model.AddMethodImport:     model.StatusVerifying,
	model.AddMethodAutoImport: model.StatusVerifying,
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.AssetStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Check возвращает *TransitionError, если переход недопустим.
func Check(from, to model.AssetStatus) error {
	if !to.Valid() {
		return &TransitionError{
			Code:    "INVALID_STATUS",
			Message: fmt.Sprintf("недопустимое состояние: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// InitialStatus возвращает состояние, в котором создаётся запись.
func InitialStatus(method model.AddMethod) (model.AssetStatus, error) {
	st, ok := initialStatus[method]
	if !ok {
		return "", fmt.Errorf("неизвестный способ добавления: %q", method)
	}
	return st, nil
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, INVALID_STATUS
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
