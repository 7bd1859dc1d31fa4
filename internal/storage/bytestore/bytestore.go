// Пакет bytestore — хранение blob-ов по относительному пути.
// Ничего не знает о тенантах и квотах. Реализация поверх go-billy:
// osfs для диска, memfs для тестов.
package bytestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Ошибки хранилища.
var (
	// ErrNotFound — blob по указанному пути отсутствует.
	ErrNotFound = errors.New("blob не найден")
	// ErrInvalidPath — путь абсолютный, содержит .. или недопустимые символы.
	ErrInvalidPath = errors.New("недопустимый путь")
)

// SaveResult — результат записи blob-а.
type SaveResult struct {
	// Path — итоговый относительный путь
	Path string
	// Size — число фактически записанных байт
	Size int64
	// Checksum — SHA-256 записанных данных (hex)
	Checksum string
}

// FileInfo — сведения о blob-е.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store — контракт хранилища blob-ов.
// Атомарность гарантируется только для одиночной записи.
type Store interface {
	// Save пишет данные во временный соседний файл и переименовывает в path.
	Save(ctx context.Context, path string, r io.Reader) (*SaveResult, error)
	// Open открывает blob на чтение. Отсутствие — ErrNotFound.
	Open(path string) (io.ReadCloser, error)
	// Delete удаляет blob. Отсутствие — (false, nil).
	Delete(path string) (bool, error)
	Exists(path string) (bool, error)
	Stat(path string) (*FileInfo, error)
	// Rename перемещает blob внутри хранилища, создавая родительские директории.
	Rename(from, to string) error
	// Walk обходит обычные файлы под root. Отсутствующий root — не ошибка.
	Walk(root string, fn func(FileInfo) error) error
}

// BillyStore — Store поверх billy.Filesystem.
type BillyStore struct {
	fs billy.Filesystem
}

// New создаёт Store поверх произвольной billy.Filesystem.
func New(fs billy.Filesystem) *BillyStore {
	return &BillyStore{fs: fs}
}

// NewOSStore создаёт Store в директории root на диске.
// Все пути ограничены root (osfs.WithBoundOS).
func NewOSStore(root string) (*BillyStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", root, err)
	}
	return New(osfs.New(root, osfs.WithBoundOS())), nil
}

// NewMemStore создаёт Store в памяти.
func NewMemStore() *BillyStore {
	return New(memfs.New())
}

func (s *BillyStore) Save(ctx context.Context, p string, r io.Reader) (*SaveResult, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории для %s: %w", p, err)
	}

	tmpPath := p + ".tmp"
	f, err := s.fs.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(&ctxReader{ctx: ctx, r: r}, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		s.fs.Remove(tmpPath) //nolint:errcheck
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			f.Close()
			s.fs.Remove(tmpPath) //nolint:errcheck
			return nil, fmt.Errorf("ошибка fsync: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath) //nolint:errcheck
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := s.fs.Rename(tmpPath, p); err != nil {
		s.fs.Remove(tmpPath) //nolint:errcheck
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Path:     p,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (s *BillyStore) Open(p string) (io.ReadCloser, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка открытия %s: %w", p, err)
	}
	return f, nil
}

func (s *BillyStore) Delete(p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка удаления %s: %w", p, err)
	}
	return true, nil
}

func (s *BillyStore) Exists(p string) (bool, error) {
	_, err := s.Stat(p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *BillyStore) Stat(p string) (*FileInfo, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("ошибка stat %s: %w", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s — директория", ErrInvalidPath, p)
	}
	return &FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *BillyStore) Rename(from, to string) error {
	if err := validatePath(from); err != nil {
		return err
	}
	if err := validatePath(to); err != nil {
		return err
	}
	if _, err := s.fs.Stat(from); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		return fmt.Errorf("ошибка stat %s: %w", from, err)
	}
	if err := s.fs.MkdirAll(path.Dir(to), 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории для %s: %w", to, err)
	}
	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("ошибка перемещения %s → %s: %w", from, to, err)
	}
	return nil
}

func (s *BillyStore) Walk(root string, fn func(FileInfo) error) error {
	if err := validatePath(root); err != nil {
		return err
	}
	err := util.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == root && errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		return fn(FileInfo{Path: toSlash(p), Size: info.Size(), ModTime: info.ModTime()})
	})
	if err != nil {
		return fmt.Errorf("ошибка обхода %s: %w", root, err)
	}
	return nil
}

// Transfer перемещает blob из src в dst. Внутри одного хранилища —
// rename, между хранилищами — копирование с проверкой размера
// и удаление источника.
func Transfer(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	if src == dst {
		return src.Rename(srcPath, dstPath)
	}

	info, err := src.Stat(srcPath)
	if err != nil {
		return err
	}

	r, err := src.Open(srcPath)
	if err != nil {
		return err
	}
	res, err := dst.Save(ctx, dstPath, r)
	r.Close()
	if err != nil {
		return fmt.Errorf("копирование %s: %w", srcPath, err)
	}
	if res.Size != info.Size {
		dst.Delete(dstPath) //nolint:errcheck
		return fmt.Errorf("размер копии %s не совпадает: %d != %d", dstPath, res.Size, info.Size)
	}

	if _, err := src.Delete(srcPath); err != nil {
		return fmt.Errorf("удаление источника после копирования: %w", err)
	}
	return nil
}

// validatePath проверяет относительный slash-путь.
func validatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsAny(p, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, string(os.PathSeparator), "/")
}

// ctxReader прерывает чтение при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
