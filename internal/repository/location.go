package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gonlds/internal/domain/model"
)

// locationColumns — список столбцов таблицы locations для SELECT-запросов.
const locationColumns = `l.id, l.file_id, l.tier, l.url, l.verified, l.evictable,
	l.written_at, l.last_accessed`

// LocationRepository — интерфейс доступа к физическим локациям файлов.
type LocationRepository interface {
	// Add создаёт локацию. ErrConflict, если копия в этом классе уже есть.
	Add(ctx context.Context, loc *model.Location) error
	// ForFile возвращает локации файла.
	ForFile(ctx context.Context, fileID int64) ([]*model.Location, error)
	// GetByID возвращает локацию по id.
	GetByID(ctx context.Context, id int64) (*model.Location, error)
	// Verify подтверждает физическую запись локации.
	Verify(ctx context.Context, id int64) error
	// MarkEvictable помечает objectstore-локацию кандидатом на вытеснение.
	MarkEvictable(ctx context.Context, id int64) error
	// TouchAccess обновляет время последнего доступа.
	TouchAccess(ctx context.Context, id int64) error
	// Delete удаляет локацию.
	Delete(ctx context.Context, id int64) error
	// DeleteForFile удаляет локацию файла в указанном классе хранилища.
	DeleteForFile(ctx context.Context, fileID int64, tier model.StorageTier) error
	// EvictionCandidates возвращает objectstore-локации, пригодные
	// к вытеснению: verified + evictable, есть verified tape-копия того же
	// файла, последний доступ раньше cutoff. holdingID = 0 — по всем холдингам.
	EvictionCandidates(ctx context.Context, holdingID int64, cutoff time.Time) ([]*model.Location, error)
	// ArchiveCandidates возвращает файлы холдингов с единственной verified
	// objectstore-локацией (без tape-копии) — кандидаты на архивацию.
	ArchiveCandidates(ctx context.Context, limit int) ([]*model.File, error)
}

// locationRepo — реализация LocationRepository через pgx.
type locationRepo struct {
	db DBTX
}

// NewLocationRepository создаёт репозиторий локаций.
func NewLocationRepository(db DBTX) LocationRepository {
	return &locationRepo{db: db}
}

func (r *locationRepo) Add(ctx context.Context, loc *model.Location) error {
	query := `
		INSERT INTO locations (file_id, tier, url, verified, evictable)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, written_at, last_accessed`

	err := r.db.QueryRow(ctx, query,
		loc.FileID, loc.Tier, loc.URL, loc.Verified, loc.Evictable,
	).Scan(&loc.ID, &loc.WrittenAt, &loc.LastAccessed)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: копия файла %d в %s уже существует",
				ErrConflict, loc.FileID, loc.Tier)
		}
		return fmt.Errorf("ошибка создания локации: %w", err)
	}
	return nil
}

func (r *locationRepo) ForFile(ctx context.Context, fileID int64) ([]*model.Location, error) {
	query := fmt.Sprintf(`SELECT %s FROM locations l WHERE l.file_id = $1 ORDER BY l.id`, locationColumns)

	rows, err := r.db.Query(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения локаций: %w", err)
	}
	defer rows.Close()

	var result []*model.Location
	for rows.Next() {
		loc := &model.Location{}
		if err := rows.Scan(&loc.ID, &loc.FileID, &loc.Tier, &loc.URL,
			&loc.Verified, &loc.Evictable, &loc.WrittenAt, &loc.LastAccessed); err != nil {
			return nil, fmt.Errorf("ошибка сканирования локации: %w", err)
		}
		result = append(result, loc)
	}
	return result, rows.Err()
}

func (r *locationRepo) GetByID(ctx context.Context, id int64) (*model.Location, error) {
	query := fmt.Sprintf(`SELECT %s FROM locations l WHERE l.id = $1`, locationColumns)

	loc := &model.Location{}
	err := r.db.QueryRow(ctx, query, id).Scan(&loc.ID, &loc.FileID, &loc.Tier,
		&loc.URL, &loc.Verified, &loc.Evictable, &loc.WrittenAt, &loc.LastAccessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения локации: %w", err)
	}
	return loc, nil
}

func (r *locationRepo) Verify(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, `UPDATE locations SET verified = TRUE WHERE id = $1`)
}

func (r *locationRepo) MarkEvictable(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, `UPDATE locations SET evictable = TRUE WHERE id = $1`)
}

func (r *locationRepo) TouchAccess(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, `UPDATE locations SET last_accessed = now() WHERE id = $1`)
}

func (r *locationRepo) setFlag(ctx context.Context, id int64, query string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления локации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *locationRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления локации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *locationRepo) DeleteForFile(ctx context.Context, fileID int64, tier model.StorageTier) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM locations WHERE file_id = $1 AND tier = $2`, fileID, tier)
	if err != nil {
		return fmt.Errorf("ошибка удаления локации файла: %w", err)
	}
	return nil
}

// EvictionCandidates реализует правило безопасности вытеснения:
// кандидат обязан иметь verified tape-копию того же файла — единственная
// оставшаяся копия никогда не вытесняется.
func (r *locationRepo) EvictionCandidates(ctx context.Context, holdingID int64, cutoff time.Time) ([]*model.Location, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM locations l
		JOIN files f ON f.id = l.file_id
		WHERE l.tier = 'objectstore'
			AND l.verified = TRUE
			AND l.evictable = TRUE
			AND l.last_accessed < $1
			AND ($2 = 0 OR f.holding_id = $2)
			AND EXISTS (
				SELECT 1 FROM locations t
				WHERE t.file_id = l.file_id AND t.tier = 'tape' AND t.verified = TRUE
			)
		ORDER BY l.last_accessed`, locationColumns)

	rows, err := r.db.Query(ctx, query, cutoff, holdingID)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска кандидатов на вытеснение: %w", err)
	}
	defer rows.Close()

	var result []*model.Location
	for rows.Next() {
		loc := &model.Location{}
		if err := rows.Scan(&loc.ID, &loc.FileID, &loc.Tier, &loc.URL,
			&loc.Verified, &loc.Evictable, &loc.WrittenAt, &loc.LastAccessed); err != nil {
			return nil, fmt.Errorf("ошибка сканирования локации: %w", err)
		}
		result = append(result, loc)
	}
	return result, rows.Err()
}

// ArchiveCandidates возвращает файлы с verified objectstore-копией
// и без tape-копии — вход стадии ARCHIVE_INIT.
func (r *locationRepo) ArchiveCandidates(ctx context.Context, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM files f
		JOIN locations l ON l.file_id = f.id AND l.tier = 'objectstore' AND l.verified = TRUE
		WHERE NOT EXISTS (
			SELECT 1 FROM locations t WHERE t.file_id = f.id AND t.tier = 'tape'
		)
		ORDER BY f.holding_id, f.id
		LIMIT $1`, fileColumns)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска кандидатов на архивацию: %w", err)
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
		if f.Locations, err = r.ForFile(ctx, f.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}
