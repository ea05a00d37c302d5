// transfer.go — стадии переноса PUT и GET.
//
// PUT: спекулятивная запись каталога (CATALOG_PUT) → физическое копирование
// в объектное хранилище (TRANSFER_PUT) → подтверждение checksum → COMPLETE.
// Любой провал переноса проходит через CATALOG_ROLLBACK: каталог никогда
// не показывает файл, байты которого не записаны.
//
// GET: разрешение самого свежего поколения (CATALOG_GET) → при отсутствии
// objectstore-копии staging с ленты (ARCHIVE_GET) → копирование в каталог
// назначения пользователя (TRANSFER_GET) → COMPLETE.
package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigkaa/gonlds/internal/catalog"
	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
	"github.com/bigkaa/gonlds/internal/repository"
	"github.com/bigkaa/gonlds/internal/storage"
)

// runPut продвигает одну суб-запись PUT-транзакции.
func (r *Router) runPut(ctx context.Context, t task) error {
	if r.isCancelled(t.tx.TransactionID) {
		return r.fail(ctx, t.sub.ID, status.Routing, "транзакция отменена пользователем")
	}

	f := &model.File{
		HoldingID:     t.tx.HoldingID,
		TransactionID: t.tx.ID,
		OriginalPath:  t.file.Path,
		Size:          t.file.Size,
		Owner:         t.file.Owner,
		Group:         t.file.Group,
		Permissions:   t.file.Permissions,
		IngestTime:    t.tx.CreatedAt.UTC(),
	}
	objKey := objectKey(t.tx.HoldingID, t.tx.TransactionID, t.file.Path)

	// Спекулятивная запись: файл + неподтверждённая objectstore-локация.
	// Дубликат (тот же путь и ingest_time) — предупреждение, не провал.
	start := time.Now()
	if err := r.cat.PutFile(ctx, f, objKey); err != nil {
		if errors.Is(err, repository.ErrDuplicatePath) {
			return r.advance(ctx, t.sub.ID, status.Routing, status.CompleteWithWarning,
				fmt.Sprintf("дубликат пути: %s", t.file.Path))
		}
		return r.fail(ctx, t.sub.ID, status.Routing, err.Error())
	}
	if err := r.advance(ctx, t.sub.ID, status.Routing, status.CatalogPut, ""); err != nil {
		return err
	}
	observeStage("catalog_put", start)

	if err := r.advance(ctx, t.sub.ID, status.CatalogPut, status.TransferPut, ""); err != nil {
		return err
	}

	start = time.Now()
	var result *storage.PutResult
	err := r.opts.Retry.Do(ctx, "transfer_put", func() error {
		src, err := r.fs.Open(ctx, t.file.Path)
		if err != nil {
			return &storage.PermanentError{Err: err}
		}
		defer src.Close()

		result, err = r.objectStore.Put(ctx, src, objKey)
		return err
	}, func() error {
		_, err := r.cat.IncrementRetries(ctx, t.sub.ID)
		return err
	})
	if err != nil {
		return r.rollbackPut(ctx, t, f, objKey, err)
	}
	observeStage("transfer_put", start)
	transferredBytesTotal.WithLabelValues("put").Add(float64(result.Size))

	if r.isCancelled(t.tx.TransactionID) {
		// Отмена пришла во время переноса: откат после завершения стадии
		return r.rollbackPut(ctx, t, f, objKey, errors.New("транзакция отменена пользователем"))
	}

	if err := r.cat.ConfirmTransfer(ctx, f, result.Checksum, result.Size); err != nil {
		return r.rollbackPut(ctx, t, f, objKey, err)
	}
	r.resolver.Invalidate(f.HoldingID, f.OriginalPath)

	return r.advance(ctx, t.sub.ID, status.TransferPut, status.Complete, "")
}

// rollbackPut выполняет CATALOG_ROLLBACK: удаляет спекулятивную запись
// каталога и записанный объект, переводит суб-запись в FAILED.
func (r *Router) rollbackPut(ctx context.Context, t task, f *model.File, objKey string, cause error) error {
	if err := r.advance(ctx, t.sub.ID, status.TransferPut, status.CatalogRollback, cause.Error()); err != nil {
		return err
	}

	if err := r.cat.RollbackFile(ctx, f.ID); err != nil {
		r.logger.Error("Ошибка отката каталожной записи",
			slog.Int64("file_id", f.ID), slog.Any("error", err))
	}
	if err := r.objectStore.Delete(ctx, objKey); err != nil {
		r.logger.Warn("Ошибка удаления объекта при откате",
			slog.String("key", objKey), slog.Any("error", err))
	}
	r.resolver.Invalidate(f.HoldingID, f.OriginalPath)

	return r.advance(ctx, t.sub.ID, status.CatalogRollback, status.Failed, cause.Error())
}

// runGet продвигает одну суб-запись GET-транзакции.
func (r *Router) runGet(ctx context.Context, t task) error {
	if r.isCancelled(t.tx.TransactionID) {
		return r.fail(ctx, t.sub.ID, status.Routing, "транзакция отменена пользователем")
	}

	if err := r.advance(ctx, t.sub.ID, status.Routing, status.CatalogGet, ""); err != nil {
		return err
	}

	start := time.Now()
	res, err := r.resolver.Resolve(ctx, t.tx.HoldingID, t.file.Path)
	if err != nil {
		return r.fail(ctx, t.sub.ID, status.CatalogGet, err.Error())
	}
	observeStage("catalog_get", start)

	readKey := res.Location.URL
	stage := status.CatalogGet
	if res.Staged {
		if err := r.advance(ctx, t.sub.ID, status.CatalogGet, status.ArchiveGet, ""); err != nil {
			return err
		}
		stage = status.ArchiveGet

		readKey, err = r.stageFromTape(ctx, t, res)
		if err != nil {
			return r.fail(ctx, t.sub.ID, status.ArchiveGet, err.Error())
		}
	}

	if err := r.advance(ctx, t.sub.ID, stage, status.TransferGet, ""); err != nil {
		return err
	}

	start = time.Now()
	var copied int64
	err = r.opts.Retry.Do(ctx, "transfer_get", func() error {
		obj, err := r.objectStore.Get(ctx, readKey)
		if err != nil {
			return err
		}
		defer obj.Close()

		dst, err := r.fs.Create(ctx, targetPath(t.req.Target, t.file.Path))
		if err != nil {
			return &storage.PermanentError{Err: err}
		}

		copied, err = io.Copy(dst, obj)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return err
	}, func() error {
		_, err := r.cat.IncrementRetries(ctx, t.sub.ID)
		return err
	})
	if err != nil {
		return r.fail(ctx, t.sub.ID, status.TransferGet, err.Error())
	}
	observeStage("transfer_get", start)
	transferredBytesTotal.WithLabelValues("get").Add(float64(copied))

	return r.advance(ctx, t.sub.ID, status.TransferGet, status.Complete, "")
}

// stageFromTape восстанавливает objectstore-копию из ленточного агрегата:
// извлекает член tar-архива и регистрирует новую локацию в каталоге.
// Возвращает ключ восстановленного объекта.
func (r *Router) stageFromTape(ctx context.Context, t task, res *catalog.Resolution) (string, error) {
	tarKey, member, err := parseTapeURL(res.Location.URL)
	if err != nil {
		return "", err
	}

	var size int64
	err = r.opts.Retry.Do(ctx, "archive_get", func() error {
		arch, err := r.tape.Get(ctx, tarKey)
		if err != nil {
			return err
		}
		defer arch.Close()

		tr := tar.NewReader(arch)
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return &storage.PermanentError{
					Err: fmt.Errorf("член %s не найден в агрегате %s", member, tarKey),
				}
			}
			if err != nil {
				return &storage.PermanentError{Err: err}
			}
			if hdr.Name == member {
				break
			}
		}

		result, err := r.objectStore.Put(ctx, tr, member)
		if err != nil {
			return err
		}
		size = result.Size
		return nil
	}, func() error {
		_, err := r.cat.IncrementRetries(ctx, t.sub.ID)
		return err
	})
	if err != nil {
		return "", err
	}
	transferredBytesTotal.WithLabelValues("stage").Add(float64(size))

	if _, err := r.cat.AddObjectStoreLocation(ctx, res.File.ID, member); err != nil {
		// Копия восстановлена, но не зарегистрирована: чтение продолжается,
		// следующий GET выполнит staging заново
		r.logger.Warn("Ошибка регистрации восстановленной локации",
			slog.Int64("file_id", res.File.ID), slog.Any("error", err))
	}
	r.resolver.Invalidate(res.File.HoldingID, res.File.OriginalPath)

	r.logger.Info("Файл восстановлен с ленты",
		slog.Int64("file_id", res.File.ID),
		slog.String("member", member),
	)
	return member, nil
}
