// Пакет catalog — бизнес-логика каталога NLDS.
// Catalog — единственная точка мутаций holdings/transactions/files/locations;
// каждая мутация стадии конвейера — одна pgx-транзакция, переходы статусов
// валидируются конечным автоматом status.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
	"github.com/bigkaa/gonlds/internal/repository"
)

// Catalog — сервис каталога поверх репозиториев PostgreSQL.
type Catalog struct {
	holdings     repository.HoldingRepository
	transactions repository.TransactionRepository
	files        repository.FileRepository
	locations    repository.LocationRepository
	tx           *repository.TxRunner
	paths        *pathLock
	logger       *slog.Logger
}

// New создаёт сервис каталога.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Catalog {
	return &Catalog{
		holdings:     repository.NewHoldingRepository(pool),
		transactions: repository.NewTransactionRepository(pool),
		files:        repository.NewFileRepository(pool),
		locations:    repository.NewLocationRepository(pool),
		tx:           repository.NewTxRunner(pool),
		paths:        newPathLock(),
		logger:       logger.With(slog.String("component", "catalog")),
	}
}

// PutHoldingParams — параметры выбора/создания холдинга при PUT.
type PutHoldingParams struct {
	User  string
	Group string
	// Label — метка, заданная пользователем (может быть пустой)
	Label string
	// HoldingID — существующий холдинг (0 = не задан)
	HoldingID int64
	// DefaultLabel — метка для нового холдинга, если Label пуст
	// (первые 8 символов UUID транзакции)
	DefaultLabel string
}

// PutHolding возвращает холдинг для PUT-транзакции:
//   - по holding_id — холдинг обязан существовать и принадлежать user+group,
//     иначе NotFound;
//   - по label — существующий холдинг того же владельца означает
//     добавление в него (append), не перезапись;
//   - иначе создаётся новый холдинг.
func (c *Catalog) PutHolding(ctx context.Context, p PutHoldingParams) (*model.Holding, error) {
	if p.HoldingID > 0 {
		return c.holdings.GetByID(ctx, p.HoldingID, p.User, p.Group)
	}

	label := p.Label
	if label == "" {
		label = p.DefaultLabel
	}

	h, err := c.holdings.GetByLabel(ctx, label, p.User, p.Group)
	if err == nil {
		// Append-семантика: метка занята тем же владельцем — дописываем
		return h, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	h = &model.Holding{Label: label, User: p.User, Group: p.Group}
	if err := c.holdings.Create(ctx, h); err != nil {
		// Гонка двух первых PUT с одной меткой: проигравший Create
		// дописывает в холдинг победителя (append-семантика)
		if errors.Is(err, repository.ErrConflict) {
			return c.holdings.GetByLabel(ctx, label, p.User, p.Group)
		}
		return nil, err
	}
	c.logger.Info("Холдинг создан",
		slog.Int64("holding_id", h.ID),
		slog.String("label", h.Label),
		slog.String("user", h.User),
	)
	return h, nil
}

// NewTransaction создаёт транзакцию и суб-записи для каждого файла
// одной pgx-транзакцией. Статус — ROUTING (разбиение выполнено).
func (c *Catalog) NewTransaction(ctx context.Context, t *model.Transaction, paths []string) error {
	t.Status = status.Routing
	return c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		txRepo := repository.NewTransactionRepository(tx)
		if err := txRepo.Create(ctx, t); err != nil {
			return err
		}
		for _, path := range paths {
			sr := &model.SubRecord{
				TransactionID: t.ID,
				OriginalPath:  path,
				Status:        status.Routing,
			}
			if err := txRepo.CreateSubRecord(ctx, sr); err != nil {
				return err
			}
			t.SubRecords = append(t.SubRecords, sr)
		}
		return nil
	})
}

// PutFile выполняет спекулятивную каталожную запись стадии CATALOG_PUT:
// файл + objectstore-локация (verified=false) в одной pgx-транзакции.
// Мьютекс пути гарантирует, что два PUT одного (holding, path) не
// выполняются одновременно; ErrDuplicatePath — при совпадении ingest_time.
func (c *Catalog) PutFile(ctx context.Context, f *model.File, objectURL string) error {
	unlock := c.paths.Lock(f.HoldingID, f.OriginalPath)
	defer unlock()

	return c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		files := repository.NewFileRepository(tx)
		if err := files.Insert(ctx, f); err != nil {
			return err
		}

		loc := &model.Location{
			FileID:   f.ID,
			Tier:     model.TierObjectStore,
			URL:      objectURL,
			Verified: false,
		}
		locs := repository.NewLocationRepository(tx)
		if err := locs.Add(ctx, loc); err != nil {
			return err
		}
		f.Locations = append(f.Locations, loc)
		return nil
	})
}

// ConfirmTransfer подтверждает физическую запись: checksum и измеренный
// размер файла плюс verified-флаг objectstore-локации в одной
// pgx-транзакции. Размер, заявленный клиентом при приёме запроса,
// замещается фактическим количеством записанных байт — дальнейшие
// стадии (агрегация на ленту) опираются только на измеренный размер.
func (c *Catalog) ConfirmTransfer(ctx context.Context, f *model.File, checksum string, size int64) error {
	err := c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := repository.NewFileRepository(tx).SetTransferResult(ctx, f.ID, checksum, size); err != nil {
			return err
		}
		loc := f.LocationFor(model.TierObjectStore)
		if loc == nil {
			return fmt.Errorf("у файла %d нет objectstore-локации", f.ID)
		}
		return repository.NewLocationRepository(tx).Verify(ctx, loc.ID)
	})
	if err != nil {
		return err
	}
	f.Checksum = checksum
	f.Size = size
	return nil
}

// RollbackFile выполняет CATALOG_ROLLBACK: удаляет спекулятивную запись
// файла; локации удаляются каскадом. Частичная видимость каталога
// не переживает провалившийся transfer.
func (c *Catalog) RollbackFile(ctx context.Context, fileID int64) error {
	err := c.files.Delete(ctx, fileID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// AddTapeLocation выполняет CATALOG_ARCHIVE_UPDATE для одного файла:
// добавляет verified tape-локацию и помечает objectstore-копию evictable.
func (c *Catalog) AddTapeLocation(ctx context.Context, f *model.File, tapeURL string) error {
	return c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		locs := repository.NewLocationRepository(tx)
		tapeLoc := &model.Location{
			FileID:   f.ID,
			Tier:     model.TierTape,
			URL:      tapeURL,
			Verified: true,
		}
		if err := locs.Add(ctx, tapeLoc); err != nil {
			return err
		}
		osLoc := f.LocationFor(model.TierObjectStore)
		if osLoc == nil {
			return fmt.Errorf("у файла %d нет objectstore-локации", f.ID)
		}
		return locs.MarkEvictable(ctx, osLoc.ID)
	})
}

// RollbackArchive выполняет CATALOG_ARCHIVE_ROLLBACK: удаляет tape-локации
// файлов, не трогая действующие objectstore-копии.
func (c *Catalog) RollbackArchive(ctx context.Context, fileIDs []int64) error {
	return c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		locs := repository.NewLocationRepository(tx)
		for _, id := range fileIDs {
			if err := locs.DeleteForFile(ctx, id, model.TierTape); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddObjectStoreLocation регистрирует objectstore-копию, появившуюся
// при staging с ленты (ARCHIVE_GET).
func (c *Catalog) AddObjectStoreLocation(ctx context.Context, fileID int64, url string) (*model.Location, error) {
	loc := &model.Location{
		FileID:   fileID,
		Tier:     model.TierObjectStore,
		URL:      url,
		Verified: true,
	}
	if err := c.locations.Add(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// GetNewest возвращает самое свежее поколение пути в холдинге (CATALOG_GET).
func (c *Catalog) GetNewest(ctx context.Context, holdingID int64, path string) (*model.File, error) {
	return c.files.GetNewest(ctx, holdingID, path)
}

// Find выполняет поиск файлов по фильтрам.
func (c *Catalog) Find(ctx context.Context, params repository.FindParams) ([]*model.File, error) {
	return c.files.Find(ctx, params)
}

// List возвращает холдинги по фильтрам.
func (c *Catalog) List(ctx context.Context, filters repository.HoldingFilters) ([]*model.Holding, error) {
	return c.holdings.List(ctx, filters)
}

// UpdateMeta атомарно применяет META-операцию к холдингу:
// смена метки и/или изменение тегов. NotFound, если холдинг
// отсутствует или не принадлежит user+group.
func (c *Catalog) UpdateMeta(ctx context.Context, holdingID int64, user, group string,
	newLabel string, addTags map[string]string, delTags []string) (*model.Holding, error) {

	err := c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		holdings := repository.NewHoldingRepository(tx)
		if _, err := holdings.GetByID(ctx, holdingID, user, group); err != nil {
			return err
		}
		if newLabel != "" {
			if err := holdings.UpdateLabel(ctx, holdingID, newLabel); err != nil {
				return err
			}
		}
		if len(addTags) > 0 || len(delTags) > 0 {
			if err := holdings.SetTags(ctx, holdingID, addTags, delTags); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.holdings.GetByID(ctx, holdingID, user, group)
}

// Remove удаляет холдинг со всеми файлами и возвращает локации,
// чьи физические объекты должен удалить драйвер хранилища.
// Необратимая операция.
func (c *Catalog) Remove(ctx context.Context, holdingID int64, user, group string) ([]*model.Location, error) {
	h, err := c.holdings.GetByID(ctx, holdingID, user, group)
	if err != nil {
		return nil, err
	}

	hid := h.ID
	files, err := c.files.Find(ctx, repository.FindParams{
		User: user, Group: group, HoldingID: &hid, AllGenerations: true,
	})
	if err != nil {
		return nil, err
	}

	var locations []*model.Location
	for _, f := range files {
		locations = append(locations, f.Locations...)
	}

	if err := c.holdings.Delete(ctx, h.ID); err != nil {
		return nil, err
	}

	c.logger.Info("Холдинг удалён",
		slog.Int64("holding_id", h.ID),
		slog.String("label", h.Label),
		slog.Int("files", len(files)),
	)
	return locations, nil
}

// RemoveFile удаляет все поколения пути в холдинге (DEL) и возвращает
// локации для физической очистки.
func (c *Catalog) RemoveFile(ctx context.Context, holdingID int64, user, group, path string) ([]*model.Location, error) {
	if _, err := c.holdings.GetByID(ctx, holdingID, user, group); err != nil {
		return nil, err
	}

	hid := holdingID
	files, err := c.files.Find(ctx, repository.FindParams{
		User: user, Group: group, HoldingID: &hid, AllGenerations: true,
	})
	if err != nil {
		return nil, err
	}

	var locations []*model.Location
	for _, f := range files {
		if f.OriginalPath == path {
			locations = append(locations, f.Locations...)
		}
	}

	n, err := c.files.DeleteGenerations(ctx, holdingID, path)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, repository.ErrNotFound
	}
	return locations, nil
}

// Stat возвращает сводку транзакций по UUID или метке задания.
func (c *Catalog) Stat(ctx context.Context, idOrLabel, user, group string) ([]*model.Transaction, error) {
	if t, err := c.transactions.GetByUUID(ctx, idOrLabel); err == nil {
		if t.User != user || t.Group != group {
			return nil, repository.ErrNotFound
		}
		return []*model.Transaction{t}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	txs, err := c.transactions.GetByJobLabel(ctx, idOrLabel, user, group)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, repository.ErrNotFound
	}
	return txs, nil
}

// AdvanceSub атомарно переводит суб-запись в следующую стадию.
func (c *Catalog) AdvanceSub(ctx context.Context, subID int64, from, to status.Status, reason string) error {
	return c.transactions.AdvanceSubRecord(ctx, subID, from, to, reason)
}

// IncrementRetries увеличивает счётчик повторов суб-записи.
func (c *Catalog) IncrementRetries(ctx context.Context, subID int64) (int, error) {
	return c.transactions.IncrementRetries(ctx, subID)
}

// FinalizeTransaction пересчитывает агрегатный статус транзакции.
// Вызывается после каждого терминального перехода суб-записи;
// агрегат фиксируется только когда все суб-записи терминальны.
func (c *Catalog) FinalizeTransaction(ctx context.Context, transactionRowID int64) (status.Status, bool, error) {
	subs, err := c.transactions.SubStatuses(ctx, transactionRowID)
	if err != nil {
		return 0, false, err
	}
	for _, s := range subs {
		if !s.Terminal() {
			return 0, false, nil
		}
	}

	agg := status.Aggregate(subs)
	if err := c.transactions.SetStatus(ctx, transactionRowID, agg); err != nil {
		return 0, false, err
	}
	return agg, true, nil
}

// ArchiveCandidates возвращает файлы без tape-копии для стадии ARCHIVE_INIT.
func (c *Catalog) ArchiveCandidates(ctx context.Context, limit int) ([]*model.File, error) {
	return c.locations.ArchiveCandidates(ctx, limit)
}
