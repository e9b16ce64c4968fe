// Пакет filestore — операции с файлами в плоском каталоге хранения.
// Потоковая запись блоками по 1 MiB через временный .part файл с fsync
// и атомарным rename, проверка наличия, листинг по расширениям,
// подбор свободного имени и информация о диске.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

// ChunkSize — размер блока записи.
const ChunkSize = 1 << 20

// PartialSuffix — суффикс незавершённой записи. Такие файлы не попадают
// в листинги и не подхватываются автоимпортом.
const PartialSuffix = ".part"

// ReservedPrefix — префикс служебных файлов каталога (аренда сверки).
const ReservedPrefix = ".isostore"

// Ошибки файлового хранилища.
var (
	// ErrInvalidFilename — имя файла пустое или выходит за каталог.
	ErrInvalidFilename = errors.New("недопустимое имя файла")
	// ErrTooLarge — превышен лимит размера записи.
	ErrTooLarge = errors.New("превышен допустимый размер файла")
	// ErrNotFound — файла нет в каталоге.
	ErrNotFound = errors.New("файл не найден")
)

// FileStore — управление файлами в каталоге хранения.
type FileStore struct {
	// dir — корневой каталог (ISO_STORAGE_DIR), без подкаталогов
	dir string
}

// Entry — файл из листинга каталога.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New создаёт FileStore. Создаёт каталог, если он не существует.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог хранения %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir возвращает путь к каталогу хранения.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// FullPath возвращает абсолютный путь к файлу в каталоге.
func (fs *FileStore) FullPath(filename string) string {
	return filepath.Join(fs.dir, filename)
}

// SanitizeFilename оставляет только базовое имя и отклоняет
// пустые, скрытые служебные и выходящие за каталог имена.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.HasSuffix(name, PartialSuffix):
		return "", fmt.Errorf("%w: суффикс %s зарезервирован", ErrInvalidFilename, PartialSuffix)
	case strings.HasPrefix(name, ReservedPrefix):
		return "", fmt.Errorf("%w: префикс %s зарезервирован", ErrInvalidFilename, ReservedPrefix)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return name, nil
}

// WriteOptions — параметры потоковой записи.
type WriteOptions struct {
	// MaxBytes — лимит размера (0 — без ограничения)
	MaxBytes int64
	// OnChunk вызывается после записи каждого блока с накопленным числом байт
	OnChunk func(written int64)
}

// Write записывает поток в файл filename.
//
// Паттерн: .part файл → запись блоками по ChunkSize → fsync → atomic rename.
// При любой ошибке .part файл удаляется, целевой файл не создаётся.
func (fs *FileStore) Write(ctx context.Context, filename string, r io.Reader, opts WriteOptions) (int64, error) {
	fullPath := fs.FullPath(filename)
	tmpPath := fullPath + PartialSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	written, err := copyChunks(ctx, f, r, opts)
	if err == nil {
		// fsync для гарантии записи на диск
		err = f.Sync()
		if err != nil {
			err = fmt.Errorf("ошибка fsync: %w", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("ошибка закрытия файла: %w", closeErr)
	}
	if err != nil {
		os.Remove(tmpPath)
		return written, err
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return written, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return written, nil
}

// copyChunks копирует r в w блоками не меньше ChunkSize (кроме последнего).
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, opts WriteOptions) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if opts.MaxBytes > 0 && written+int64(n) > opts.MaxBytes {
				return written, fmt.Errorf("%w: лимит %d байт", ErrTooLarge, opts.MaxBytes)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("ошибка записи данных: %w", err)
			}
			written += int64(n)
			if opts.OnChunk != nil {
				opts.OnChunk(written)
			}
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return written, nil
		default:
			return written, fmt.Errorf("ошибка чтения источника: %w", readErr)
		}
	}
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(filename string) (*os.File, error) {
	f, err := os.Open(fs.FullPath(filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", filename, err)
	}
	return f, nil
}

// DeleteFile удаляет файл и его незавершённую .part копию.
// Возвращает nil, если файлов уже нет.
func (fs *FileStore) DeleteFile(filename string) error {
	for _, p := range []string{fs.FullPath(filename), fs.FullPath(filename) + PartialSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("ошибка удаления файла %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// FileExists проверяет, что в каталоге есть обычный файл с таким именем.
func (fs *FileStore) FileExists(filename string) bool {
	info, err := os.Stat(fs.FullPath(filename))
	return err == nil && info.Mode().IsRegular()
}

// FileSize возвращает размер файла.
func (fs *FileStore) FileSize(filename string) (int64, error) {
	info, err := os.Stat(fs.FullPath(filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", filename, err)
	}
	return info.Size(), nil
}

// List возвращает обычные файлы каталога, чьё расширение входит в exts
// (без учёта регистра). Пустой exts — все файлы. Результат отсортирован по имени.
func (fs *FileStore) List(exts []string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения каталога %s: %w", fs.dir, err)
	}

	result := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, PartialSuffix) {
			continue
		}
		if len(exts) > 0 && !slices.Contains(exts, strings.ToLower(filepath.Ext(name))) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Файл удалён между ReadDir и Stat
			continue
		}
		result = append(result, Entry{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// TakenFunc сообщает, занято ли имя вне файловой системы (например, в репозитории).
type TakenFunc func(ctx context.Context, filename string) (bool, error)

// maxUniqueAttempts — предел перебора суффиксов _1, _2, ...
const maxUniqueAttempts = 10000

// UniqueFilename возвращает name, если оно свободно на диске и по taken,
// иначе первое свободное из name_1.ext, name_2.ext, ...
func (fs *FileStore) UniqueFilename(ctx context.Context, name string, taken TakenFunc) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; i <= maxUniqueAttempts; i++ {
		free, err := fs.isFree(ctx, candidate, taken)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return "", fmt.Errorf("не удалось подобрать свободное имя для %s", name)
}

func (fs *FileStore) isFree(ctx context.Context, filename string, taken TakenFunc) (bool, error) {
	if _, err := os.Lstat(fs.FullPath(filename)); err == nil {
		return false, nil
	}
	if _, err := os.Lstat(fs.FullPath(filename) + PartialSuffix); err == nil {
		return false, nil
	}
	if taken == nil {
		return true, nil
	}
	busy, err := taken(ctx, filename)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

// CheckWritable проверяет, что каталог доступен на запись.
func (fs *FileStore) CheckWritable() error {
	testFile := filepath.Join(fs.dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("каталог хранения недоступен для записи: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}
