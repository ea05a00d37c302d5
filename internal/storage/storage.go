// Пакет storage — драйверы физических хранилищ (объектное хранилище, лента).
// Конвейер работает только через интерфейс Driver; классификация ошибок
// (транзиентная/постоянная) определяет политику повторов стадии.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Ошибки драйверов хранилищ.
var (
	// ErrNotFound — объект с указанным ключом отсутствует.
	ErrNotFound = errors.New("объект не найден")
)

// TransientError — временный сбой хранилища (сеть, таймаут).
// Стадия конвейера повторяет операцию с экспоненциальной задержкой.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("транзиентный сбой хранилища: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError — невосстановимый сбой хранилища.
// Стадия немедленно откатывается без повторов.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("постоянный сбой хранилища: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient сообщает, является ли ошибка временным сбоем.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PutResult — результат записи объекта.
type PutResult struct {
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
}

// Driver — интерфейс физического хранилища одного класса.
// Все операции идемпотентны по ключу назначения: повтор Put с тем же
// ключом перезаписывает объект, повтор Delete для отсутствующего
// объекта возвращает nil.
type Driver interface {
	// Put записывает данные из reader под ключом key.
	Put(ctx context.Context, r io.Reader, key string) (*PutResult, error)
	// Get открывает объект для чтения. Вызывающий код закрывает ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete удаляет объект. Отсутствующий объект — не ошибка.
	Delete(ctx context.Context, key string) error
}
