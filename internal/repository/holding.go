package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gonlds/internal/domain/model"
)

// HoldingFilters — фильтры для списка холдингов.
// Все поля-указатели: nil = фильтр не применяется.
// Фильтры комбинируются через логическое AND.
type HoldingFilters struct {
	// User — владелец (обязателен, кроме AllUsers)
	User string
	// Group — группа; пустая строка = все группы пользователя
	Group string
	// AllUsers — игнорировать фильтр по владельцу (операторский запрос)
	AllUsers bool
	// Label — точное совпадение метки
	Label *string
	// HoldingID — конкретный холдинг
	HoldingID *int64
	// Tags — холдинг должен нести каждый из перечисленных тегов
	// (логическое AND); пустое значение = проверка только ключа
	Tags map[string]string
}

// HoldingRepository — интерфейс доступа к холдингам и их тегам.
type HoldingRepository interface {
	// Create создаёт холдинг. ErrConflict при коллизии label для user+group.
	Create(ctx context.Context, h *model.Holding) error
	// GetByID возвращает холдинг по id с проверкой владельца.
	GetByID(ctx context.Context, id int64, user, group string) (*model.Holding, error)
	// GetByLabel возвращает холдинг по метке для пары user+group.
	GetByLabel(ctx context.Context, label, user, group string) (*model.Holding, error)
	// List возвращает холдинги по фильтрам (с тегами).
	List(ctx context.Context, filters HoldingFilters) ([]*model.Holding, error)
	// UpdateLabel меняет метку холдинга. ErrConflict при коллизии.
	UpdateLabel(ctx context.Context, id int64, label string) error
	// SetTags атомарно добавляет/заменяет add и удаляет remove.
	SetTags(ctx context.Context, id int64, add map[string]string, remove []string) error
	// Tags возвращает теги холдинга.
	Tags(ctx context.Context, id int64) (map[string]string, error)
	// Delete удаляет холдинг вместе с файлами и локациями (каскад).
	Delete(ctx context.Context, id int64) error
}

// holdingRepo — реализация HoldingRepository через pgx.
type holdingRepo struct {
	db DBTX
}

// NewHoldingRepository создаёт репозиторий холдингов.
func NewHoldingRepository(db DBTX) HoldingRepository {
	return &holdingRepo{db: db}
}

func (r *holdingRepo) Create(ctx context.Context, h *model.Holding) error {
	query := `
		INSERT INTO holdings (label, user_name, group_name)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query, h.Label, h.User, h.Group).
		Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: холдинг с меткой %q уже существует", ErrConflict, h.Label)
		}
		return fmt.Errorf("ошибка создания холдинга: %w", err)
	}

	if len(h.Tags) > 0 {
		if err := r.SetTags(ctx, h.ID, h.Tags, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *holdingRepo) GetByID(ctx context.Context, id int64, user, group string) (*model.Holding, error) {
	query := `
		SELECT id, label, user_name, group_name, created_at
		FROM holdings
		WHERE id = $1 AND user_name = $2 AND group_name = $3`

	h := &model.Holding{}
	err := r.db.QueryRow(ctx, query, id, user, group).
		Scan(&h.ID, &h.Label, &h.User, &h.Group, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения холдинга: %w", err)
	}

	h.Tags, err = r.Tags(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r *holdingRepo) GetByLabel(ctx context.Context, label, user, group string) (*model.Holding, error) {
	query := `
		SELECT id, label, user_name, group_name, created_at
		FROM holdings
		WHERE label = $1 AND user_name = $2 AND group_name = $3`

	h := &model.Holding{}
	err := r.db.QueryRow(ctx, query, label, user, group).
		Scan(&h.ID, &h.Label, &h.User, &h.Group, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения холдинга по метке: %w", err)
	}

	h.Tags, err = r.Tags(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// buildHoldingWhere строит WHERE-условие и аргументы для фильтрации холдингов.
func buildHoldingWhere(filters HoldingFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if !filters.AllUsers {
		conditions = append(conditions, fmt.Sprintf("h.user_name = $%d", argNum))
		args = append(args, filters.User)
		argNum++
		if filters.Group != "" {
			conditions = append(conditions, fmt.Sprintf("h.group_name = $%d", argNum))
			args = append(args, filters.Group)
			argNum++
		}
	}
	if filters.Label != nil {
		conditions = append(conditions, fmt.Sprintf("h.label = $%d", argNum))
		args = append(args, *filters.Label)
		argNum++
	}
	if filters.HoldingID != nil {
		conditions = append(conditions, fmt.Sprintf("h.id = $%d", argNum))
		args = append(args, *filters.HoldingID)
		argNum++
	}
	for key, value := range filters.Tags {
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

func (r *holdingRepo) List(ctx context.Context, filters HoldingFilters) ([]*model.Holding, error) {
	where, args := buildHoldingWhere(filters, 1)

	query := fmt.Sprintf(`
		SELECT h.id, h.label, h.user_name, h.group_name, h.created_at
		FROM holdings h
		%s
		ORDER BY h.id`, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка холдингов: %w", err)
	}
	defer rows.Close()

	var result []*model.Holding
	for rows.Next() {
		h := &model.Holding{}
		if err := rows.Scan(&h.ID, &h.Label, &h.User, &h.Group, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования холдинга: %w", err)
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	for _, h := range result {
		if h.Tags, err = r.Tags(ctx, h.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *holdingRepo) UpdateLabel(ctx context.Context, id int64, label string) error {
	query := `UPDATE holdings SET label = $2 WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, label)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: холдинг с меткой %q уже существует", ErrConflict, label)
		}
		return fmt.Errorf("ошибка обновления метки холдинга: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTags атомарно применяет изменения тегов: add — upsert, remove — delete by key.
// Вызывается внутри pgx-транзакции (DBTX = pgx.Tx) для атомарности META.
func (r *holdingRepo) SetTags(ctx context.Context, id int64, add map[string]string, remove []string) error {
	for key, value := range add {
		query := `
			INSERT INTO holding_tags (holding_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (holding_id, key) DO UPDATE SET value = EXCLUDED.value`
		if _, err := r.db.Exec(ctx, query, id, key, value); err != nil {
			return fmt.Errorf("ошибка записи тега %q: %w", key, err)
		}
	}

	if len(remove) > 0 {
		query := `DELETE FROM holding_tags WHERE holding_id = $1 AND key = ANY($2)`
		if _, err := r.db.Exec(ctx, query, id, remove); err != nil {
			return fmt.Errorf("ошибка удаления тегов: %w", err)
		}
	}
	return nil
}

func (r *holdingRepo) Tags(ctx context.Context, id int64) (map[string]string, error) {
	query := `SELECT key, value FROM holding_tags WHERE holding_id = $1`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тегов: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("ошибка сканирования тега: %w", err)
		}
		tags[key] = value
	}
	return tags, rows.Err()
}

// Delete удаляет холдинг; файлы, локации, транзакции и теги
// удаляются каскадом (ON DELETE CASCADE).
func (r *holdingRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM holdings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления холдинга: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
