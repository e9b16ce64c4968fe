// Package lease — эксклюзивная аренда каталога хранения через flock().
//
// Несколько экземпляров isostore могут работать с одним каталогом
// (общий том NFS v4+). Сверку и автоимпорт выполняет только держатель
// аренды, остальные периодически пытаются её захватить.
package lease

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	lockFile   = ".isostore.lock"
	holderFile = ".isostore.holder"

	// DefaultRetryInterval — период попыток захвата для ожидающего экземпляра.
	DefaultRetryInterval = 5 * time.Second
)

// ErrHeld — аренду держит другой процесс.
var ErrHeld = errors.New("каталог хранения занят другим экземпляром")

// Lease — аренда каталога хранения.
type Lease struct {
	dir      string
	identity string
	retry    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	file      *os.File
	stopCh    chan struct{}
	done      chan struct{}
	onAcquire func()
}

// New создаёт аренду для каталога dir. identity записывается в файл
// держателя и попадает в логи остальных экземпляров.
func New(dir, identity string, retry time.Duration, logger *slog.Logger) *Lease {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Lease{
		dir:      dir,
		identity: identity,
		retry:    retry,
		logger:   logger.With(slog.String("component", "lease")),
	}
}

// TryAcquire делает одну неблокирующую попытку захвата.
// ErrHeld — аренда у другого процесса.
func (l *Lease) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}

	path := filepath.Join(l.dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("открытие %s: %w", path, err)
	}
	ok, err := lockFD(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("flock %s: %w", path, err)
	}
	if !ok {
		_ = f.Close()
		return ErrHeld
	}
	l.file = f

	if err := l.writeHolder(); err != nil {
		l.logger.Warn("Не удалось записать держателя аренды", slog.String("error", err.Error()))
	}
	l.logger.Info("Аренда каталога получена", slog.String("holder", l.identity))
	return nil
}

// Run захватывает аренду сразу или в фоне, как только она освободится.
// onAcquire вызывается один раз после захвата.
func (l *Lease) Run(onAcquire func()) error {
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		return errors.New("аренда уже запущена")
	}
	stopCh, done := make(chan struct{}), make(chan struct{})
	l.stopCh, l.done = stopCh, done
	l.onAcquire = onAcquire
	l.mu.Unlock()

	err := l.TryAcquire()
	switch {
	case err == nil:
		close(done)
		l.acquired()
		return nil
	case errors.Is(err, ErrHeld):
		l.logger.Info("Сверку выполняет другой экземпляр", slog.String("holder", l.Holder()))
		go l.retryLoop(stopCh, done)
		return nil
	default:
		close(done)
		return err
	}
}

// Held возвращает true, если аренда у текущего процесса.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Holder — идентификатор текущего держателя из файла, пустая строка
// если он неизвестен.
func (l *Lease) Holder() string {
	data, err := os.ReadFile(filepath.Join(l.dir, holderFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Release останавливает попытки захвата и освобождает аренду.
func (l *Lease) Release() {
	l.mu.Lock()
	stopCh, done := l.stopCh, l.done
	l.stopCh = nil
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_ = unlockFD(l.file)
	_ = l.file.Close()
	l.file = nil
	l.logger.Info("Аренда каталога освобождена")
}

func (l *Lease) retryLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			err := l.TryAcquire()
			if err == nil {
				l.acquired()
				return
			}
			if !errors.Is(err, ErrHeld) {
				l.logger.Warn("Ошибка захвата аренды", slog.String("error", err.Error()))
			}
		}
	}
}

func (l *Lease) acquired() {
	if l.onAcquire != nil {
		l.onAcquire()
	}
}

// writeHolder атомарно записывает идентификатор держателя.
func (l *Lease) writeHolder() error {
	path := filepath.Join(l.dir, holderFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(l.identity+"\n"), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
