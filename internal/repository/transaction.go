package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
)

// TransactionRepository — интерфейс доступа к транзакциям и суб-записям.
// Переход статуса суб-записи — атомарный read-modify-write: каждая запись
// проходит валидацию через status.Transition до фиксации.
type TransactionRepository interface {
	// Create создаёт транзакцию.
	Create(ctx context.Context, t *model.Transaction) error
	// GetByUUID возвращает транзакцию с суб-записями по transaction_id.
	GetByUUID(ctx context.Context, transactionID string) (*model.Transaction, error)
	// GetByJobLabel возвращает транзакции с указанной меткой задания.
	GetByJobLabel(ctx context.Context, jobLabel, user, group string) ([]*model.Transaction, error)
	// SetStatus обновляет агрегатный статус транзакции.
	SetStatus(ctx context.Context, id int64, s status.Status) error
	// CreateSubRecord создаёт суб-запись для файла.
	CreateSubRecord(ctx context.Context, sr *model.SubRecord) error
	// AdvanceSubRecord атомарно переводит суб-запись from → to.
	// Возвращает *status.TransitionError для недопустимого перехода
	// и ErrNotFound, если суб-запись уже не в статусе from
	// (идемпотентное потребление при повторной доставке).
	AdvanceSubRecord(ctx context.Context, id int64, from, to status.Status, failureReason string) error
	// IncrementRetries увеличивает счётчик повторов суб-записи.
	IncrementRetries(ctx context.Context, id int64) (int, error)
	// SubRecords возвращает суб-записи транзакции в порядке создания.
	SubRecords(ctx context.Context, transactionRowID int64) ([]*model.SubRecord, error)
	// SubStatuses возвращает статусы всех суб-записей транзакции.
	SubStatuses(ctx context.Context, transactionRowID int64) ([]status.Status, error)
}

// transactionRepo — реализация TransactionRepository через pgx.
type transactionRepo struct {
	db DBTX
}

// NewTransactionRepository создаёт репозиторий транзакций.
func NewTransactionRepository(db DBTX) TransactionRepository {
	return &transactionRepo{db: db}
}

func (r *transactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	query := `
		INSERT INTO transactions (transaction_id, holding_id, api_action, job_label,
			user_name, group_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		t.TransactionID, t.HoldingID, t.Action, t.JobLabel,
		t.User, t.Group, int(t.Status),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: транзакция %s уже зарегистрирована", ErrConflict, t.TransactionID)
		}
		return fmt.Errorf("ошибка создания транзакции: %w", err)
	}
	return nil
}

func (r *transactionRepo) GetByUUID(ctx context.Context, transactionID string) (*model.Transaction, error) {
	query := `
		SELECT id, transaction_id, holding_id, api_action, job_label,
			user_name, group_name, status, created_at
		FROM transactions
		WHERE transaction_id = $1`

	t := &model.Transaction{}
	var code int
	err := r.db.QueryRow(ctx, query, transactionID).Scan(
		&t.ID, &t.TransactionID, &t.HoldingID, &t.Action, &t.JobLabel,
		&t.User, &t.Group, &code, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения транзакции: %w", err)
	}
	t.Status = status.Status(code)

	t.SubRecords, err = r.SubRecords(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *transactionRepo) GetByJobLabel(ctx context.Context, jobLabel, user, group string) ([]*model.Transaction, error) {
	query := `
		SELECT id, transaction_id, holding_id, api_action, job_label,
			user_name, group_name, status, created_at
		FROM transactions
		WHERE job_label = $1 AND user_name = $2 AND group_name = $3
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, jobLabel, user, group)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска транзакций по метке задания: %w", err)
	}
	defer rows.Close()

	var result []*model.Transaction
	for rows.Next() {
		t := &model.Transaction{}
		var code int
		if err := rows.Scan(
			&t.ID, &t.TransactionID, &t.HoldingID, &t.Action, &t.JobLabel,
			&t.User, &t.Group, &code, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования транзакции: %w", err)
		}
		t.Status = status.Status(code)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	for _, t := range result {
		if t.SubRecords, err = r.SubRecords(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *transactionRepo) SetStatus(ctx context.Context, id int64, s status.Status) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1`, id, int(s))
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса транзакции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transactionRepo) CreateSubRecord(ctx context.Context, sr *model.SubRecord) error {
	query := `
		INSERT INTO sub_records (transaction_id, original_path, status)
		VALUES ($1, $2, $3)
		RETURNING id, last_updated`

	err := r.db.QueryRow(ctx, query, sr.TransactionID, sr.OriginalPath, int(sr.Status)).
		Scan(&sr.ID, &sr.LastUpdated)
	if err != nil {
		return fmt.Errorf("ошибка создания суб-записи: %w", err)
	}
	return nil
}

// AdvanceSubRecord выполняет атомарный переход статуса суб-записи.
// Условие WHERE status = from гарантирует идемпотентность: повторная
// доставка того же события не продвигает запись дважды.
func (r *transactionRepo) AdvanceSubRecord(ctx context.Context, id int64, from, to status.Status, failureReason string) error {
	if err := status.Transition(from, to); err != nil {
		return err
	}

	query := `
		UPDATE sub_records
		SET status = $3, failure_reason = $4, last_updated = now()
		WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, id, int(from), int(to), failureReason)
	if err != nil {
		return fmt.Errorf("ошибка перехода суб-записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transactionRepo) IncrementRetries(ctx context.Context, id int64) (int, error) {
	var retries int
	err := r.db.QueryRow(ctx,
		`UPDATE sub_records SET retries = retries + 1, last_updated = now()
		 WHERE id = $1 RETURNING retries`, id).Scan(&retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка инкремента повторов: %w", err)
	}
	return retries, nil
}

func (r *transactionRepo) SubRecords(ctx context.Context, transactionRowID int64) ([]*model.SubRecord, error) {
	query := `
		SELECT id, transaction_id, original_path, status, retries, failure_reason, last_updated
		FROM sub_records
		WHERE transaction_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, transactionRowID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения суб-записей: %w", err)
	}
	defer rows.Close()

	var result []*model.SubRecord
	for rows.Next() {
		sr := &model.SubRecord{}
		var code int
		if err := rows.Scan(&sr.ID, &sr.TransactionID, &sr.OriginalPath,
			&code, &sr.Retries, &sr.FailureReason, &sr.LastUpdated); err != nil {
			return nil, fmt.Errorf("ошибка сканирования суб-записи: %w", err)
		}
		sr.Status = status.Status(code)
		result = append(result, sr)
	}
	return result, rows.Err()
}

func (r *transactionRepo) SubStatuses(ctx context.Context, transactionRowID int64) ([]status.Status, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status FROM sub_records WHERE transaction_id = $1 ORDER BY id`, transactionRowID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статусов суб-записей: %w", err)
	}
	defer rows.Close()

	var result []status.Status
	for rows.Next() {
		var code int
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статуса: %w", err)
		}
		result = append(result, status.Status(code))
	}
	return result, rows.Err()
}
