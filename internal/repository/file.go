package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gonlds/internal/domain/model"
)

// fileColumns — список столбцов таблицы files для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const fileColumns = `f.id, f.holding_id, f.transaction_id, f.original_path, f.size,
	f.owner, f.group_name, f.permissions, f.checksum, f.ingest_time`

// FindParams — параметры поиска файлов.
// Поля-указатели: nil = фильтр не применяется.
// Фильтры комбинируются через логическое AND.
type FindParams struct {
	// User — владелец холдингов (обязателен, кроме AllUsers)
	User string
	// Group — группа; пустая строка = все группы пользователя
	Group string
	// AllUsers — операторский запрос по всем пользователям
	AllUsers bool
	// Label — метка холдинга (exact match)
	Label *string
	// HoldingID — конкретный холдинг
	HoldingID *int64
	// TransactionID — UUID создавшей транзакции
	TransactionID *string
	// PathRegex — регулярное выражение по original_path (POSIX, оператор ~)
	PathRegex *string
	// Tags — холдинг файла должен нести каждый из перечисленных тегов
	// (логическое AND); пустое значение = проверка только ключа
	Tags map[string]string
	// AllGenerations — возвращать все поколения файла, а не только самое свежее
	AllGenerations bool
}

// FileRepository — интерфейс доступа к файлам каталога.
type FileRepository interface {
	// Insert создаёт запись файла. ErrDuplicatePath при совпадении
	// (holding_id, original_path, ingest_time).
	Insert(ctx context.Context, f *model.File) error
	// GetByID возвращает файл с локациями.
	GetByID(ctx context.Context, id int64) (*model.File, error)
	// GetNewest возвращает самое свежее поколение пути в холдинге
	// (максимум по ingest_time, tie-break по порядку транзакций).
	GetNewest(ctx context.Context, holdingID int64, path string) (*model.File, error)
	// Find выполняет поиск файлов по фильтрам.
	// Чистый запрос без курсора: повторный вызов начинает заново.
	Find(ctx context.Context, params FindParams) ([]*model.File, error)
	// SetTransferResult записывает checksum и фактический размер после
	// завершения физического копирования. Размер, заявленный клиентом,
	// замещается измеренным драйвером хранилища.
	SetTransferResult(ctx context.Context, id int64, checksum string, size int64) error
	// Delete удаляет запись файла (локации каскадом).
	Delete(ctx context.Context, id int64) error
	// DeleteGenerations удаляет все поколения пути в холдинге.
	DeleteGenerations(ctx context.Context, holdingID int64, path string) (int, error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db  DBTX
	loc LocationRepository
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db, loc: NewLocationRepository(db)}
}

func (r *fileRepo) Insert(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO files (holding_id, transaction_id, original_path, size,
			owner, group_name, permissions, checksum, ingest_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		f.HoldingID, f.TransactionID, f.OriginalPath, f.Size,
		f.Owner, f.Group, f.Permissions, f.Checksum, f.IngestTime,
	).Scan(&f.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s (ingest_time %s)",
				ErrDuplicatePath, f.OriginalPath, f.IngestTime.Format("2006-01-02T15:04:05Z07:00"))
		}
		return fmt.Errorf("ошибка вставки файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id int64) (*model.File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files f WHERE f.id = $1`, fileColumns)

	f := &model.File{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&f.ID, &f.HoldingID, &f.TransactionID, &f.OriginalPath, &f.Size,
		&f.Owner, &f.Group, &f.Permissions, &f.Checksum, &f.IngestTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}

	if f.Locations, err = r.loc.ForFile(ctx, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// GetNewest выбирает самое свежее поколение пути:
// ORDER BY ingest_time DESC, id DESC — id отражает порядок вставки,
// что совпадает с порядком создания транзакций.
func (r *fileRepo) GetNewest(ctx context.Context, holdingID int64, path string) (*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files f
		WHERE f.holding_id = $1 AND f.original_path = $2
		ORDER BY f.ingest_time DESC, f.id DESC
		LIMIT 1`, fileColumns)

	f := &model.File{}
	err := r.db.QueryRow(ctx, query, holdingID, path).Scan(
		&f.ID, &f.HoldingID, &f.TransactionID, &f.OriginalPath, &f.Size,
		&f.Owner, &f.Group, &f.Permissions, &f.Checksum, &f.IngestTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}

	if f.Locations, err = r.loc.ForFile(ctx, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// buildFindWhere строит WHERE-условие и аргументы для поиска файлов.
//
//nolint:cyclop // сложность обусловлена количеством фильтров
func buildFindWhere(params FindParams, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if !params.AllUsers {
		conditions = append(conditions, fmt.Sprintf("h.user_name = $%d", argNum))
		args = append(args, params.User)
		argNum++
		if params.Group != "" {
			conditions = append(conditions, fmt.Sprintf("h.group_name = $%d", argNum))
			args = append(args, params.Group)
			argNum++
		}
	}
	if params.Label != nil {
		conditions = append(conditions, fmt.Sprintf("h.label = $%d", argNum))
		args = append(args, *params.Label)
		argNum++
	}
	if params.HoldingID != nil {
		conditions = append(conditions, fmt.Sprintf("f.holding_id = $%d", argNum))
		args = append(args, *params.HoldingID)
		argNum++
	}
	if params.TransactionID != nil {
		conditions = append(conditions, fmt.Sprintf(
			"f.transaction_id = (SELECT id FROM transactions WHERE transaction_id = $%d)", argNum))
		args = append(args, *params.TransactionID)
		argNum++
	}
	if params.PathRegex != nil && *params.PathRegex != "" {
		conditions = append(conditions, fmt.Sprintf("f.original_path ~ $%d", argNum))
		args = append(args, *params.PathRegex)
		argNum++
	}
	for key, value := range params.Tags {
		if value != "" {
			conditions = append(conditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM holding_tags t WHERE t.holding_id = h.id AND t.key = $%d AND t.value = $%d)",
				argNum, argNum+1))
			args = append(args, key, value)
			argNum += 2
		} else {
			conditions = append(conditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM holding_tags t WHERE t.holding_id = h.id AND t.key = $%d)", argNum))
			args = append(args, key)
			argNum++
		}
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// Find выполняет поиск файлов с динамическими фильтрами.
// По умолчанию для каждого (holding_id, original_path) возвращается
// только самое свежее поколение (DISTINCT ON с сортировкой по
// ingest_time DESC, id DESC); AllGenerations отключает свёртку.
func (r *fileRepo) Find(ctx context.Context, params FindParams) ([]*model.File, error) {
	where, args := buildFindWhere(params, 1)

	var query string
	if params.AllGenerations {
		query = fmt.Sprintf(`
			SELECT %s
			FROM files f
			JOIN holdings h ON h.id = f.holding_id
			%s
			ORDER BY f.holding_id, f.original_path, f.ingest_time DESC, f.id DESC`,
			fileColumns, where)
	} else {
		query = fmt.Sprintf(`
			SELECT DISTINCT ON (f.holding_id, f.original_path) %s
			FROM files f
			JOIN holdings h ON h.id = f.holding_id
			%s
			ORDER BY f.holding_id, f.original_path, f.ingest_time DESC, f.id DESC`,
			fileColumns, where)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.File
	for rows.Next() {
		f := &model.File{}
		if err := rows.Scan(
			&f.ID, &f.HoldingID, &f.TransactionID, &f.OriginalPath, &f.Size,
			&f.Owner, &f.Group, &f.Permissions, &f.Checksum, &f.IngestTime,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	for _, f := range result {
		if f.Locations, err = r.loc.ForFile(ctx, f.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *fileRepo) SetTransferResult(ctx context.Context, id int64, checksum string, size int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET checksum = $2, size = $3 WHERE id = $1`, id, checksum, size)
	if err != nil {
		return fmt.Errorf("ошибка записи результата переноса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) DeleteGenerations(ctx context.Context, holdingID int64, path string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM files WHERE holding_id = $1 AND original_path = $2`, holdingID, path)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления поколений файла: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
