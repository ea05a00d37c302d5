// disk.go — дисковый драйвер хранилища.
// Используется и для объектного хранилища, и для эмуляции ленточной
// библиотеки (отдельный корневой каталог, те же примитивы).
// Streaming-запись с подсчётом SHA-256 на лету,
// паттерн: temp файл → запись + fsync → atomic rename.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore — драйвер хранилища поверх локальной файловой системы.
type DiskStore struct {
	// root — корневая директория хранения объектов
	root string
}

// NewDiskStore создаёт дисковый драйвер. Проверяет и создаёт
// корневую директорию, если она не существует.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

// fullPath возвращает абсолютный путь объекта и проверяет,
// что ключ не выходит за пределы корневой директории.
func (d *DiskStore) fullPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", &PermanentError{Err: fmt.Errorf("недопустимый ключ объекта: %q", key)}
	}
	return filepath.Join(d.root, clean), nil
}

// Put записывает данные из reader под ключом key с подсчётом SHA-256 на лету.
// Повторный Put с тем же ключом перезаписывает объект (идемпотентность).
// При ошибке temp файл удаляется.
func (d *DiskStore) Put(ctx context.Context, r io.Reader, key string) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Err: err}
	}

	fullPath, err := d.fullPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, classify(fmt.Errorf("ошибка создания директории объекта: %w", err))
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, classify(fmt.Errorf("ошибка создания временного файла: %w", err))
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, classify(fmt.Errorf("ошибка записи данных: %w", err))
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, classify(fmt.Errorf("ошибка fsync: %w", err))
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, classify(fmt.Errorf("ошибка закрытия файла: %w", err))
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, classify(fmt.Errorf("ошибка атомарного переименования: %w", err))
	}

	return &PutResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get открывает объект для чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (d *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Err: err}
	}

	fullPath, err := d.fullPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, classify(fmt.Errorf("ошибка открытия объекта %s: %w", key, err))
	}
	return f, nil
}

// Delete удаляет объект. Возвращает nil, если объект уже не существует.
func (d *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Err: err}
	}

	fullPath, err := d.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return classify(fmt.Errorf("ошибка удаления объекта %s: %w", key, err))
	}
	return nil
}

// classify относит системную ошибку к транзиентным или постоянным.
// Нехватка места и таймауты — транзиентные, остальное — постоянные.
func classify(err error) error {
	if os.IsTimeout(err) {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}
