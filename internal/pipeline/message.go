// Пакет pipeline — конвейер переноса данных между пользовательской
// файловой системой, объектным хранилищем и лентой.
// Каждый файл транзакции продвигается независимой суб-записью;
// переходы статусов пишутся в каталог атомарно, поэтому повторная
// обработка задачи безопасна (идемпотентное потребление).
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/gonlds/internal/domain/model"
)

// Request — принятый запрос пользователя до разбиения на суб-записи.
type Request struct {
	// Action — put/putlist/get/getlist
	Action model.ApiAction
	// User, Group — инициатор (обязательны)
	User  string
	Group string
	// Label — метка холдинга; для PUT пустая метка означает новый холдинг
	// с генерируемой меткой
	Label string
	// HoldingID — существующий холдинг (0 = не задан)
	HoldingID int64
	// JobLabel — метка задания; по умолчанию первые 8 символов UUID
	JobLabel string
	// Files — список файлов запроса
	Files []RequestFile
	// Target — каталог назначения для GET; пустой = исходный путь
	Target string
}

// RequestFile — метаданные одного файла запроса.
type RequestFile struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Permissions uint32 `json:"permissions"`
}

// task — единица работы конвейера: одна суб-запись одной транзакции.
type task struct {
	req  Request
	tx   *model.Transaction
	sub  *model.SubRecord
	file RequestFile
}

// Filesystem — доступ к пользовательской файловой системе.
// PUT читает исходные файлы, GET записывает в каталог назначения.
type Filesystem interface {
	// Open открывает файл для чтения.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Create создаёт файл для записи вместе с родительскими каталогами.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
}

// OSFilesystem — Filesystem поверх локальной файловой системы.
type OSFilesystem struct{}

func (OSFilesystem) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия исходного файла: %w", err)
	}
	return f, nil
}

func (OSFilesystem) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога назначения: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания файла назначения: %w", err)
	}
	return f, nil
}

// objectKey строит ключ объекта в объектном хранилище:
// <holding_id>/<transaction_uuid>/<путь без ведущего слэша>.
// Транзакция в ключе делает поколения одного пути разными объектами.
func objectKey(holdingID int64, transactionUUID, path string) string {
	return fmt.Sprintf("%d/%s/%s", holdingID, transactionUUID, strings.TrimPrefix(path, "/"))
}

// targetPath строит путь назначения для GET: внутри каталога Target
// либо по исходному пути, если Target не задан.
func targetPath(target, originalPath string) string {
	if target == "" {
		return originalPath
	}
	return filepath.Join(target, strings.TrimPrefix(originalPath, "/"))
}

// tapeURL кодирует ссылку на член ленточного агрегата: <ключ tar>#<член>.
func tapeURL(tarKey, member string) string {
	return tarKey + "#" + member
}

// parseTapeURL разбирает ссылку на член ленточного агрегата.
func parseTapeURL(url string) (tarKey, member string, err error) {
	tarKey, member, ok := strings.Cut(url, "#")
	if !ok {
		return "", "", fmt.Errorf("некорректная ссылка на ленточный агрегат: %q", url)
	}
	return tarKey, member, nil
}
