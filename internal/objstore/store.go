// Package objstore — durable-хранилище результатов стадий.
//
// Исполнители пишут JSON-результаты и бинарные артефакты по locator'ам
// вида s3://bucket/key или file:///path; оркестратор пишет туда файлы
// аргументов slices, воркер читает JSON-результаты.
//
// FSStore отображает locator на каталог (общий том между оркестратором,
// воркерами и вычислительными контейнерами):
//
//	s3://bucket/key   → {root}/bucket/key
//	file:///abs/path  → /abs/path
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/Hartree/internal/domain"
)

// ErrNotFound — объект отсутствует.
var ErrNotFound = errors.New("object not found")

// Store — минимальный интерфейс хранилища.
type Store interface {
	Get(ctx context.Context, locator string) ([]byte, error)
	Put(ctx context.Context, locator string, data []byte) error
	Exists(ctx context.Context, locator string) (bool, error)
}

// ErrOutsideRoot — locator указывает за пределы разрешённого каталога.
var ErrOutsideRoot = errors.New("locator escapes store root")

// FSStore — Store поверх файловой системы.
type FSStore struct {
	root string

	// fileRoot ограничивает file:// locator'ы; пусто — без ограничения.
	fileRoot string
}

// NewFSStore создаёт FSStore с корнем для s3-locator'ов.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: filepath.Clean(root)}
}

// RestrictFiles разрешает file:// только внутри prefix.
func (s *FSStore) RestrictFiles(prefix string) *FSStore {
	if prefix != "" {
		s.fileRoot = filepath.Clean(prefix)
	}
	return s
}

// Path возвращает путь в файловой системе для locator.
// s3://bucket/key всегда остаётся внутри {root}/bucket.
func (s *FSStore) Path(locator string) (string, error) {
	loc, err := domain.ParseLocator(locator)
	if err != nil {
		return "", err
	}

	switch loc.Scheme {
	case "file":
		p := filepath.Join(string(filepath.Separator), filepath.FromSlash(loc.Key))
		if s.fileRoot != "" && !within(s.fileRoot, p) {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, locator)
		}
		return p, nil
	default:
		bucketDir := filepath.Join(s.root, loc.Bucket)
		p := filepath.Join(bucketDir, filepath.FromSlash(loc.Key))
		if !within(s.root, bucketDir) || !within(bucketDir, p) {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, locator)
		}
		return p, nil
	}
}

// within сообщает, лежит ли p внутри dir (или совпадает с ним).
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Get читает объект целиком.
func (s *FSStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.Path(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}
	return data, nil
}

// Put атомарно записывает объект (через временный файл + rename).
func (s *FSStore) Put(ctx context.Context, locator string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.Path(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", locator, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", locator, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", locator, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", locator, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", locator, err)
	}
	return nil
}

// Exists проверяет наличие объекта.
func (s *FSStore) Exists(ctx context.Context, locator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, err := s.Path(locator)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", locator, err)
	}
	return true, nil
}

// GetJSON читает объект и разбирает его как JSON-объект.
func GetJSON(ctx context.Context, s Store, locator string) (domain.Result, error) {
	data, err := s.Get(ctx, locator)
	if err != nil {
		return nil, err
	}

	var result domain.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode %s: %w", locator, err)
	}
	return result, nil
}
