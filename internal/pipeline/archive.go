// archive.go — фоновая архивация objectstore-копий на ленту.
//
// ARCHIVE_INIT отбирает файлы без tape-копии, CATALOG_ARCHIVE_AGGREGATE
// группирует их в агрегаты по холдингам (лента эффективна на больших
// последовательных записях), ARCHIVE_PUT пишет tar-агрегат на ленточный
// драйвер, CATALOG_ARCHIVE_UPDATE добавляет подтверждённые tape-локации
// и помечает objectstore-копии evictable. Провал любой стадии проходит
// через CATALOG_ARCHIVE_ROLLBACK: удаляются только tape-записи,
// действующие objectstore-копии не затрагиваются.
package pipeline

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
)

// archiveUser — служебный инициатор архивных транзакций.
const (
	archiveUser  = "nlds-archiver"
	archiveGroup = "system"
)

// RunArchive выполняет один цикл архивации: отбирает кандидатов,
// группирует по холдингам и пишет агрегаты на ленту, до ArchiveWorkers
// агрегатов параллельно. Ошибка одного агрегата не прерывает остальные.
// Возвращает количество заархивированных файлов.
func (r *Router) RunArchive(ctx context.Context) (int, error) {
	candidates, err := r.cat.ArchiveCandidates(ctx, r.opts.AggregateMaxFiles*8)
	if err != nil {
		return 0, fmt.Errorf("ошибка отбора кандидатов на архивацию: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	workers := r.opts.ArchiveWorkers
	if workers <= 0 {
		workers = 1
	}

	var archived atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, batch := range r.aggregate(candidates) {
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := r.archiveBatch(ctx, batch); err != nil {
				r.logger.Error("Ошибка архивации агрегата",
					slog.Int64("holding_id", batch[0].HoldingID),
					slog.Int("files", len(batch)),
					slog.Any("error", err),
				)
				return nil
			}
			archived.Add(int64(len(batch)))
			return nil
		})
	}
	_ = g.Wait()
	return int(archived.Load()), ctx.Err()
}

// aggregate группирует кандидатов в агрегаты: один агрегат — один холдинг,
// размер ограничен порогами AggregateMaxFiles и AggregateMaxBytes.
// Кандидаты приходят отсортированными по holding_id.
func (r *Router) aggregate(candidates []*model.File) [][]*model.File {
	var batches [][]*model.File
	var batch []*model.File
	var batchBytes int64

	flush := func() {
		if len(batch) > 0 {
			batches = append(batches, batch)
			batch = nil
			batchBytes = 0
		}
	}

	for _, f := range candidates {
		sameHolding := len(batch) == 0 || batch[len(batch)-1].HoldingID == f.HoldingID
		full := len(batch) >= r.opts.AggregateMaxFiles ||
			(batchBytes > 0 && batchBytes+f.Size > r.opts.AggregateMaxBytes)
		if !sameHolding || full {
			flush()
		}
		batch = append(batch, f)
		batchBytes += f.Size
	}
	flush()
	return batches
}

// archiveBatch архивирует один агрегат: служебная транзакция с суб-записью
// на каждый файл, tar-агрегат на ленточном драйвере, tape-локации в каталоге.
func (r *Router) archiveBatch(ctx context.Context, batch []*model.File) error {
	holdingID := batch[0].HoldingID
	txUUID := uuid.NewString()

	tx := &model.Transaction{
		TransactionID: txUUID,
		HoldingID:     holdingID,
		Action:        model.ActionArchive,
		JobLabel:      txUUID[:8],
		User:          archiveUser,
		Group:         archiveGroup,
	}
	paths := make([]string, len(batch))
	for i, f := range batch {
		paths[i] = f.OriginalPath
	}
	if err := r.cat.NewTransaction(ctx, tx, paths); err != nil {
		return err
	}

	advanceAll := func(from, to status.Status, reason string) error {
		for _, sub := range tx.SubRecords {
			if err := r.advance(ctx, sub.ID, from, to, reason); err != nil {
				return err
			}
		}
		return nil
	}
	finalize := func() {
		if _, _, err := r.cat.FinalizeTransaction(ctx, tx.ID); err != nil {
			r.logger.Error("Ошибка агрегации статуса архивной транзакции",
				slog.String("transaction_id", tx.TransactionID), slog.Any("error", err))
		}
	}

	if err := advanceAll(status.Routing, status.ArchiveInit, ""); err != nil {
		return err
	}
	if err := advanceAll(status.ArchiveInit, status.CatalogArchiveAggregate, ""); err != nil {
		return err
	}

	tarKey := fmt.Sprintf("holding_%d/%s.tar", holdingID, txUUID)
	if err := advanceAll(status.CatalogArchiveAggregate, status.ArchivePut, ""); err != nil {
		return err
	}

	start := time.Now()
	var written int64
	err := r.opts.Retry.Do(ctx, "archive_put", func() error {
		n, err := r.writeAggregate(ctx, tarKey, batch)
		written = n
		return err
	}, nil)
	if err != nil {
		return r.rollbackArchive(ctx, tx, batch, tarKey, status.ArchivePut, err)
	}
	observeStage("archive_put", start)
	transferredBytesTotal.WithLabelValues("archive").Add(float64(written))

	if err := advanceAll(status.ArchivePut, status.CatalogArchiveUpdate, ""); err != nil {
		return err
	}
	for _, f := range batch {
		osLoc := f.LocationFor(model.TierObjectStore)
		if osLoc == nil {
			return r.rollbackArchive(ctx, tx, batch, tarKey, status.CatalogArchiveUpdate,
				fmt.Errorf("у файла %d нет objectstore-локации", f.ID))
		}
		if err := r.cat.AddTapeLocation(ctx, f, tapeURL(tarKey, osLoc.URL)); err != nil {
			return r.rollbackArchive(ctx, tx, batch, tarKey, status.CatalogArchiveUpdate, err)
		}
		r.resolver.Invalidate(f.HoldingID, f.OriginalPath)
	}

	if err := advanceAll(status.CatalogArchiveUpdate, status.Complete, ""); err != nil {
		return err
	}
	finalize()

	r.logger.Info("Агрегат записан на ленту",
		slog.Int64("holding_id", holdingID),
		slog.String("tar_key", tarKey),
		slog.Int("files", len(batch)),
		slog.Int64("bytes", written),
	)
	return nil
}

// writeAggregate пишет tar-агрегат на ленточный драйвер потоково:
// члены читаются из объектного хранилища без буферизации целого агрегата.
// Имя члена — ключ objectstore-копии файла.
func (r *Router) writeAggregate(ctx context.Context, tarKey string, batch []*model.File) (int64, error) {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tw := tar.NewWriter(pw)
		defer pw.Close()

		for _, f := range batch {
			osLoc := f.LocationFor(model.TierObjectStore)
			if osLoc == nil {
				pw.CloseWithError(fmt.Errorf("у файла %d нет objectstore-локации", f.ID))
				return fmt.Errorf("у файла %d нет objectstore-локации", f.ID)
			}

			obj, err := r.objectStore.Get(ctx, osLoc.URL)
			if err != nil {
				pw.CloseWithError(err)
				return err
			}

			hdr := &tar.Header{
				Name:    osLoc.URL,
				Size:    f.Size,
				Mode:    int64(f.Permissions),
				ModTime: f.IngestTime,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				obj.Close()
				pw.CloseWithError(err)
				return err
			}
			if _, err := io.Copy(tw, obj); err != nil {
				obj.Close()
				pw.CloseWithError(err)
				return err
			}
			obj.Close()
		}

		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return err
		}
		return nil
	})

	var written int64
	g.Go(func() error {
		result, err := r.tape.Put(ctx, pr, tarKey)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		written = result.Size
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return written, nil
}

// rollbackArchive выполняет CATALOG_ARCHIVE_ROLLBACK для всего агрегата.
func (r *Router) rollbackArchive(ctx context.Context, tx *model.Transaction,
	batch []*model.File, tarKey string, from status.Status, cause error) error {

	// Суб-записи агрегата продвигаются синхронно: все находятся
	// в одной стадии from на момент отката
	for _, sub := range tx.SubRecords {
		if err := r.advance(ctx, sub.ID, from, status.CatalogArchiveRollback, cause.Error()); err != nil {
			r.logger.Error("Ошибка перевода суб-записи в откат архивации",
				slog.Int64("sub_record_id", sub.ID), slog.Any("error", err))
		}
	}

	var ids []int64
	for _, f := range batch {
		ids = append(ids, f.ID)
	}
	if err := r.cat.RollbackArchive(ctx, ids); err != nil {
		r.logger.Error("Ошибка удаления tape-локаций при откате", slog.Any("error", err))
	}
	if err := r.tape.Delete(ctx, tarKey); err != nil {
		r.logger.Warn("Ошибка удаления агрегата при откате",
			slog.String("tar_key", tarKey), slog.Any("error", err))
	}

	for _, sub := range tx.SubRecords {
		if err := r.advance(ctx, sub.ID, status.CatalogArchiveRollback, status.Failed, cause.Error()); err != nil {
			r.logger.Error("Ошибка перевода суб-записи в FAILED",
				slog.Int64("sub_record_id", sub.ID), slog.Any("error", err))
		}
	}
	if _, _, err := r.cat.FinalizeTransaction(ctx, tx.ID); err != nil {
		r.logger.Error("Ошибка агрегации статуса архивной транзакции",
			slog.String("transaction_id", tx.TransactionID), slog.Any("error", err))
	}
	return cause
}
