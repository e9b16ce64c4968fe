package service

import (
	"context"
	"fmt"
	"maps"

	"github.com/bigkaa/isostore/internal/domain/lifecycle"
	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
)

// newAsset — запись в начальном состоянии для способа добавления method.
func newAsset(filename string, method model.AddMethod) (*model.Asset, error) {
	status, err := lifecycle.InitialStatus(method)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return &model.Asset{
		Filename:  filename,
		AddMethod: method,
		Status:    status,
	}, nil
}

// transition переводит запись id из from в to вместе с полями fields.
//
// Переход сверяется с автоматом состояний до обращения к репозиторию:
// недопустимый переход — ErrConflict. false без ошибки означает, что
// запись уже ушла из from.
func transition(
	ctx context.Context,
	repo repository.AssetRepository,
	id int64,
	from, to model.AssetStatus,
	fields repository.Fields,
) (bool, error) {
	if err := lifecycle.Check(from, to); err != nil {
		return false, fmt.Errorf("%w: образ %d: %w", ErrConflict, id, err)
	}
	update := make(repository.Fields, len(fields)+1)
	maps.Copy(update, fields)
	update[repository.FieldStatus] = to
	return repo.UpdateFieldsIf(ctx, id, from, update)
}
