package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/gonlds/internal/catalog"
	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
	"github.com/bigkaa/gonlds/internal/repository"
	"github.com/bigkaa/gonlds/internal/storage"
)

// fakeCatalog — in-memory каталог для тестов конвейера.
// Переходы статусов валидируются той же машиной состояний, что и в
// реальном каталоге, поэтому незаконная последовательность стадий
// проваливает тест.
type fakeCatalog struct {
	mu           sync.Mutex
	seq          int64
	holdings     map[int64]*model.Holding
	transactions map[int64]*model.Transaction
	byUUID       map[string]*model.Transaction
	subs         map[int64]*model.SubRecord
	files        map[int64]*model.File
	retries      map[int64]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		holdings:     make(map[int64]*model.Holding),
		transactions: make(map[int64]*model.Transaction),
		byUUID:       make(map[string]*model.Transaction),
		subs:         make(map[int64]*model.SubRecord),
		files:        make(map[int64]*model.File),
		retries:      make(map[int64]int),
	}
}

func (c *fakeCatalog) nextID() int64 {
	c.seq++
	return c.seq
}

func (c *fakeCatalog) PutHolding(_ context.Context, p catalog.PutHoldingParams) (*model.Holding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.HoldingID > 0 {
		h, ok := c.holdings[p.HoldingID]
		if !ok || h.User != p.User || h.Group != p.Group {
			return nil, repository.ErrNotFound
		}
		return h, nil
	}

	label := p.Label
	if label == "" {
		label = p.DefaultLabel
	}
	for _, h := range c.holdings {
		if h.Label == label && h.User == p.User && h.Group == p.Group {
			return h, nil
		}
	}
	h := &model.Holding{ID: c.nextID(), Label: label, User: p.User, Group: p.Group}
	c.holdings[h.ID] = h
	return h, nil
}

func (c *fakeCatalog) List(_ context.Context, filters repository.HoldingFilters) ([]*model.Holding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*model.Holding
	for _, h := range c.holdings {
		if h.User != filters.User || (filters.Group != "" && h.Group != filters.Group) {
			continue
		}
		if filters.HoldingID != nil && h.ID != *filters.HoldingID {
			continue
		}
		if filters.Label != nil && h.Label != *filters.Label {
			continue
		}
		result = append(result, h)
	}
	return result, nil
}

func (c *fakeCatalog) NewTransaction(_ context.Context, t *model.Transaction, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.ID = c.nextID()
	t.Status = status.Routing
	t.CreatedAt = time.Now().UTC()
	c.transactions[t.ID] = t
	c.byUUID[t.TransactionID] = t

	for _, path := range paths {
		sr := &model.SubRecord{
			ID:            c.nextID(),
			TransactionID: t.ID,
			OriginalPath:  path,
			Status:        status.Routing,
		}
		c.subs[sr.ID] = sr
		t.SubRecords = append(t.SubRecords, sr)
	}
	return nil
}

func (c *fakeCatalog) PutFile(_ context.Context, f *model.File, objectURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.files {
		if existing.HoldingID == f.HoldingID && existing.OriginalPath == f.OriginalPath &&
			existing.IngestTime.Equal(f.IngestTime) {
			return fmt.Errorf("%w: %s", repository.ErrDuplicatePath, f.OriginalPath)
		}
	}

	f.ID = c.nextID()
	f.Locations = append(f.Locations, &model.Location{
		ID: c.nextID(), FileID: f.ID, Tier: model.TierObjectStore, URL: objectURL,
	})
	c.files[f.ID] = f
	return nil
}

func (c *fakeCatalog) ConfirmTransfer(_ context.Context, f *model.File, checksum string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.files[f.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Checksum = checksum
	stored.Size = size
	loc := stored.LocationFor(model.TierObjectStore)
	if loc == nil {
		return repository.ErrNotFound
	}
	loc.Verified = true
	return nil
}

func (c *fakeCatalog) RollbackFile(_ context.Context, fileID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, fileID)
	return nil
}

func (c *fakeCatalog) AddTapeLocation(_ context.Context, f *model.File, tapeURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.files[f.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Locations = append(stored.Locations, &model.Location{
		ID: c.nextID(), FileID: f.ID, Tier: model.TierTape, URL: tapeURL, Verified: true,
	})
	if osLoc := stored.LocationFor(model.TierObjectStore); osLoc != nil {
		osLoc.Evictable = true
	}
	return nil
}

func (c *fakeCatalog) RollbackArchive(_ context.Context, fileIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range fileIDs {
		f, ok := c.files[id]
		if !ok {
			continue
		}
		var kept []*model.Location
		for _, loc := range f.Locations {
			if loc.Tier != model.TierTape {
				kept = append(kept, loc)
			}
		}
		f.Locations = kept
	}
	return nil
}

func (c *fakeCatalog) AddObjectStoreLocation(_ context.Context, fileID int64, url string) (*model.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	loc := &model.Location{
		ID: c.nextID(), FileID: fileID, Tier: model.TierObjectStore, URL: url, Verified: true,
	}
	f.Locations = append(f.Locations, loc)
	return loc, nil
}

func (c *fakeCatalog) AdvanceSub(_ context.Context, subID int64, from, to status.Status, reason string) error {
	if err := status.Transition(from, to); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sr, ok := c.subs[subID]
	if !ok || sr.Status != from {
		return repository.ErrNotFound
	}
	sr.Status = to
	sr.FailureReason = reason
	sr.LastUpdated = time.Now().UTC()
	return nil
}

func (c *fakeCatalog) IncrementRetries(_ context.Context, subID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[subID]++
	return c.retries[subID], nil
}

func (c *fakeCatalog) FinalizeTransaction(_ context.Context, transactionRowID int64) (status.Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.transactions[transactionRowID]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	var statuses []status.Status
	for _, sr := range t.SubRecords {
		if !sr.Status.Terminal() {
			return 0, false, nil
		}
		statuses = append(statuses, sr.Status)
	}
	t.Status = status.Aggregate(statuses)
	return t.Status, true, nil
}

func (c *fakeCatalog) ArchiveCandidates(_ context.Context, limit int) ([]*model.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*model.File
	for _, f := range c.files {
		osLoc := f.LocationFor(model.TierObjectStore)
		if osLoc == nil || !osLoc.Verified || f.LocationFor(model.TierTape) != nil {
			continue
		}
		result = append(result, f)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// retryCount возвращает количество повторов суб-записи.
func (c *fakeCatalog) retryCount(subID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries[subID]
}

// txStatus возвращает агрегатный статус транзакции по UUID.
func (c *fakeCatalog) txStatus(uuid string) (status.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byUUID[uuid]
	if !ok {
		return 0, false
	}
	return t.Status, t.Status.Terminal()
}

// fileByPath возвращает самое свежее поколение пути.
func (c *fakeCatalog) fileByPath(holdingID int64, path string) *model.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []*model.File
	for _, f := range c.files {
		if f.HoldingID == holdingID && f.OriginalPath == path {
			candidates = append(candidates, f)
		}
	}
	return model.Newest(candidates)
}

// fakeResolver — резолвер поверх fakeCatalog.
type fakeResolver struct {
	cat *fakeCatalog
}

func (r *fakeResolver) Resolve(_ context.Context, holdingID int64, path string) (*catalog.Resolution, error) {
	f := r.cat.fileByPath(holdingID, path)
	if f == nil {
		return nil, repository.ErrNotFound
	}
	if loc := f.LocationFor(model.TierObjectStore); loc != nil && loc.Verified {
		return &catalog.Resolution{File: f, Location: loc}, nil
	}
	if loc := f.LocationFor(model.TierTape); loc != nil && loc.Verified {
		return &catalog.Resolution{File: f, Location: loc, Staged: true}, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeResolver) Invalidate(int64, string) {}

// memFS — in-memory пользовательская файловая система.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte)}
}

func (m *memFS) put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

func (m *memFS) get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

func (m *memFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.get(path)
	if !ok {
		return nil, fmt.Errorf("исходный файл не найден: %s", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type memFSWriter struct {
	fs   *memFS
	path string
	buf  bytes.Buffer
}

func (w *memFSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memFSWriter) Close() error {
	w.fs.put(w.path, w.buf.Bytes())
	return nil
}

func (m *memFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return &memFSWriter{fs: m, path: path}, nil
}

// testRouter собирает конвейер на фейках.
func testRouter(cat *fakeCatalog, objectStore, tape storage.Driver, fs Filesystem) *Router {
	return NewRouter(cat, &fakeResolver{cat: cat}, objectStore, tape, fs, Options{
		Workers:   2,
		QueueSize: 16,
		Retry: RetryPolicy{
			Max:       3,
			BaseDelay: time.Millisecond,
			MaxDelay:  10 * time.Millisecond,
		},
		AggregateMaxFiles: 64,
		AggregateMaxBytes: 1 << 20,
		ArchiveWorkers:    2,
	}, slog.New(slog.DiscardHandler))
}

// waitTerminal ждёт терминального агрегатного статуса транзакции.
func waitTerminal(t *testing.T, cat *fakeCatalog, uuid string) status.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, terminal := cat.txStatus(uuid); terminal {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("транзакция %s не достигла терминального статуса", uuid)
	return 0
}

func TestPutGetRoundTrip(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	tape := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("содержимое a"))
	fs.put("/data/b.nc", []byte("содержимое b"))

	r := testRouter(cat, objectStore, tape, fs)
	r.Start(context.Background())
	defer r.Stop()

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPutList,
		User:   "alice", Group: "climate",
		Label: "run-1",
		Files: []RequestFile{
			{Path: "/data/a.nc", Size: 12},
			{Path: "/data/b.nc", Size: 12},
		},
	})
	if err != nil {
		t.Fatalf("Submit put: %v", err)
	}
	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Complete {
		t.Fatalf("агрегатный статус %s, ожидался COMPLETE", s)
	}

	f := cat.fileByPath(tx.HoldingID, "/data/a.nc")
	if f == nil {
		t.Fatal("файл не каталогизирован")
	}
	if f.Checksum == "" {
		t.Error("checksum не записан после подтверждения переноса")
	}
	loc := f.LocationFor(model.TierObjectStore)
	if loc == nil || !loc.Verified {
		t.Fatal("objectstore-локация отсутствует или не подтверждена")
	}
	if !objectStore.Has(loc.URL) {
		t.Error("объект не записан в хранилище")
	}

	// Чтение обратно в каталог назначения
	getTx, err := r.Submit(context.Background(), Request{
		Action: model.ActionGetList,
		User:   "alice", Group: "climate",
		Label:  "run-1",
		Target: "/restore",
		Files: []RequestFile{
			{Path: "/data/a.nc"},
			{Path: "/data/b.nc"},
		},
	})
	if err != nil {
		t.Fatalf("Submit get: %v", err)
	}
	if s := waitTerminal(t, cat, getTx.TransactionID); s != status.Complete {
		t.Fatalf("агрегатный статус GET %s, ожидался COMPLETE", s)
	}

	data, ok := fs.get("/restore/data/a.nc")
	if !ok || string(data) != "содержимое a" {
		t.Errorf("восстановленный файл: %q, ожидалось %q", data, "содержимое a")
	}
}

func TestPutPermanentFailureRollsBack(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные"))

	r := testRouter(cat, objectStore, storage.NewMemStore(), fs)

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 6}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Постоянный сбой по известному после Submit ключу; задачи ещё в очереди
	objectStore.FailPutPermanent(objectKey(tx.HoldingID, tx.TransactionID, "/data/a.nc"))
	r.Start(context.Background())
	defer r.Stop()

	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Failed {
		t.Fatalf("агрегатный статус %s, ожидался FAILED", s)
	}
	if f := cat.fileByPath(tx.HoldingID, "/data/a.nc"); f != nil {
		t.Error("спекулятивная каталожная запись не удалена при откате")
	}
	if retries := cat.retryCount(tx.SubRecords[0].ID); retries != 0 {
		t.Errorf("постоянный сбой повторялся %d раз", retries)
	}
}

func TestPutTransientFailureRetries(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные"))

	r := testRouter(cat, objectStore, storage.NewMemStore(), fs)

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 6}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	objectStore.FailPutTransient(objectKey(tx.HoldingID, tx.TransactionID, "/data/a.nc"), 2)
	r.Start(context.Background())
	defer r.Stop()

	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Complete {
		t.Fatalf("агрегатный статус %s, ожидался COMPLETE после повторов", s)
	}
	if retries := cat.retryCount(tx.SubRecords[0].ID); retries != 2 {
		t.Errorf("выполнено %d повторов, ожидалось 2", retries)
	}
}

func TestPartialBatchCompleteWithError(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные a"))
	fs.put("/data/b.nc", []byte("данные b"))

	r := testRouter(cat, objectStore, storage.NewMemStore(), fs)

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPutList,
		User:   "alice", Group: "climate",
		Files: []RequestFile{
			{Path: "/data/a.nc", Size: 8},
			{Path: "/data/b.nc", Size: 8},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	objectStore.FailPutPermanent(objectKey(tx.HoldingID, tx.TransactionID, "/data/b.nc"))
	r.Start(context.Background())
	defer r.Stop()

	if s := waitTerminal(t, cat, tx.TransactionID); s != status.CompleteWithError {
		t.Fatalf("агрегатный статус %s, ожидался COMPLETE_WITH_ERROR", s)
	}
	if f := cat.fileByPath(tx.HoldingID, "/data/a.nc"); f == nil {
		t.Error("успешный файл потерян")
	}
	if f := cat.fileByPath(tx.HoldingID, "/data/b.nc"); f != nil {
		t.Error("провалившийся файл остался в каталоге")
	}
}

func TestDuplicatePathInBatchIsWarning(t *testing.T) {
	cat := newFakeCatalog()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные"))

	r := testRouter(cat, storage.NewMemStore(), storage.NewMemStore(), fs)
	// Один воркер: задачи одного пути обрабатываются последовательно
	r.opts.Workers = 1
	r.Start(context.Background())
	defer r.Stop()

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPutList,
		User:   "alice", Group: "climate",
		Files: []RequestFile{
			{Path: "/data/a.nc", Size: 6},
			{Path: "/data/a.nc", Size: 6},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if s := waitTerminal(t, cat, tx.TransactionID); s != status.CompleteWithWarning {
		t.Fatalf("агрегатный статус %s, ожидался COMPLETE_WITH_WARNING", s)
	}
}

func TestCancelBeforeTransfer(t *testing.T) {
	cat := newFakeCatalog()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные"))

	r := testRouter(cat, storage.NewMemStore(), storage.NewMemStore(), fs)

	tx, err := r.Submit(context.Background(), Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 6}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Отмена до старта воркеров: суб-запись ещё в ROUTING
	r.Cancel(tx.TransactionID)
	r.Start(context.Background())
	defer r.Stop()

	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Failed {
		t.Fatalf("агрегатный статус %s, ожидался FAILED после отмены", s)
	}
	if f := cat.fileByPath(tx.HoldingID, "/data/a.nc"); f != nil {
		t.Error("отменённая транзакция оставила каталожную запись")
	}
}

func TestGetUnknownHoldingFails(t *testing.T) {
	r := testRouter(newFakeCatalog(), storage.NewMemStore(), storage.NewMemStore(), newMemFS())

	_, err := r.Submit(context.Background(), Request{
		Action: model.ActionGet,
		User:   "alice", Group: "climate",
		Label: "нет-такого",
		Files: []RequestFile{{Path: "/data/a.nc"}},
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("err = %v, ожидался ErrNotFound", err)
	}
}

func TestArchiveCycleAndStagedGet(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	tape := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("архивируемые данные"))

	r := testRouter(cat, objectStore, tape, fs)
	r.Start(context.Background())

	ctx := context.Background()
	tx, err := r.Submit(ctx, Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Label: "run-1",
		Files: []RequestFile{{Path: "/data/a.nc", Size: int64(len("архивируемые данные"))}},
	})
	if err != nil {
		t.Fatalf("Submit put: %v", err)
	}
	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Complete {
		t.Fatalf("PUT завершился статусом %s", s)
	}

	// Цикл архивации: файл уходит в tar-агрегат на ленте
	archived, err := r.RunArchive(ctx)
	if err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("заархивировано %d файлов, ожидался 1", archived)
	}

	f := cat.fileByPath(tx.HoldingID, "/data/a.nc")
	tapeLoc := f.LocationFor(model.TierTape)
	if tapeLoc == nil || !tapeLoc.Verified {
		t.Fatal("tape-локация отсутствует или не подтверждена")
	}
	osLoc := f.LocationFor(model.TierObjectStore)
	if osLoc == nil || !osLoc.Evictable {
		t.Fatal("objectstore-локация не помечена evictable")
	}
	tarKey, member, err := parseTapeURL(tapeLoc.URL)
	if err != nil {
		t.Fatalf("parseTapeURL: %v", err)
	}
	if !tape.Has(tarKey) {
		t.Fatal("агрегат не записан на ленту")
	}
	if member != osLoc.URL {
		t.Errorf("член агрегата %q, ожидался %q", member, osLoc.URL)
	}

	// Эмуляция вытеснения: objectstore-копия исчезает, остаётся лента
	if err := objectStore.Delete(ctx, osLoc.URL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cat.mu.Lock()
	var kept []*model.Location
	for _, loc := range f.Locations {
		if loc.Tier != model.TierObjectStore {
			kept = append(kept, loc)
		}
	}
	f.Locations = kept
	cat.mu.Unlock()

	// GET после вытеснения: staging с ленты восстанавливает копию
	getTx, err := r.Submit(ctx, Request{
		Action: model.ActionGet,
		User:   "alice", Group: "climate",
		Label:  "run-1",
		Target: "/restore",
		Files:  []RequestFile{{Path: "/data/a.nc"}},
	})
	if err != nil {
		t.Fatalf("Submit get: %v", err)
	}
	if s := waitTerminal(t, cat, getTx.TransactionID); s != status.Complete {
		t.Fatalf("GET после вытеснения завершился статусом %s", s)
	}
	r.Stop()

	data, ok := fs.get("/restore/data/a.nc")
	if !ok || string(data) != "архивируемые данные" {
		t.Errorf("восстановленный файл: %q", data)
	}
	if !objectStore.Has(member) {
		t.Error("staging не восстановил objectstore-копию")
	}
}

// TestPutCorrectsDeclaredSize проверяет, что каталог хранит измеренный
// драйвером размер, а не заявленный клиентом: от размера зависит
// tar-заголовок агрегата, и расхождение сделало бы архивацию партии
// невозможной на каждом цикле.
func TestPutCorrectsDeclaredSize(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	tape := storage.NewMemStore()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("десять байт"))

	r := testRouter(cat, objectStore, tape, fs)
	r.Start(context.Background())

	ctx := context.Background()
	// Клиент заявил 4 байта, фактически файл больше
	tx, err := r.Submit(ctx, Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 4}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Complete {
		t.Fatalf("PUT завершился статусом %s", s)
	}

	actual := int64(len("десять байт"))
	f := cat.fileByPath(tx.HoldingID, "/data/a.nc")
	if f.Size != actual {
		t.Fatalf("каталожный размер %d, ожидался измеренный %d", f.Size, actual)
	}

	// Архивация опирается на каталожный размер при записи tar-заголовка
	archived, err := r.RunArchive(ctx)
	if err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("заархивировано %d файлов, ожидался 1", archived)
	}
	r.Stop()

	tapeLoc := cat.fileByPath(tx.HoldingID, "/data/a.nc").LocationFor(model.TierTape)
	if tapeLoc == nil {
		t.Fatal("tape-локация не создана")
	}
	tarKey, member, err := parseTapeURL(tapeLoc.URL)
	if err != nil {
		t.Fatalf("parseTapeURL: %v", err)
	}
	arch, err := tape.Get(ctx, tarKey)
	if err != nil {
		t.Fatalf("Get агрегата: %v", err)
	}
	defer arch.Close()

	tr := tar.NewReader(arch)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("чтение заголовка tar: %v", err)
	}
	if hdr.Name != member || hdr.Size != actual {
		t.Errorf("заголовок члена: name=%q size=%d, ожидалось name=%q size=%d",
			hdr.Name, hdr.Size, member, actual)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatalf("чтение члена tar: %v", err)
	}
	if string(data) != "десять байт" {
		t.Error("содержимое члена агрегата не совпадает с исходным")
	}
}

// TestRunArchiveParallelBatches прогоняет цикл архивации с несколькими
// агрегатами: каждый файл в своей партии, запись идёт несколькими
// воркерами, все файлы должны получить tape-локацию.
func TestRunArchiveParallelBatches(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	tape := storage.NewMemStore()
	fs := newMemFS()

	paths := make([]RequestFile, 0, 6)
	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("/data/part-%d.nc", i)
		fs.put(path, []byte(fmt.Sprintf("данные %d", i)))
		paths = append(paths, RequestFile{Path: path, Size: 8})
	}

	r := testRouter(cat, objectStore, tape, fs)
	r.opts.AggregateMaxFiles = 1
	r.opts.ArchiveWorkers = 3
	r.Start(context.Background())

	ctx := context.Background()
	tx, err := r.Submit(ctx, Request{
		Action: model.ActionPutList,
		User:   "alice", Group: "climate",
		Label: "run-1",
		Files: paths,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s := waitTerminal(t, cat, tx.TransactionID); s != status.Complete {
		t.Fatalf("PUT завершился статусом %s", s)
	}

	archived, err := r.RunArchive(ctx)
	if err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if archived != len(paths) {
		t.Fatalf("заархивировано %d файлов, ожидалось %d", archived, len(paths))
	}
	r.Stop()

	for _, rf := range paths {
		f := cat.fileByPath(tx.HoldingID, rf.Path)
		tapeLoc := f.LocationFor(model.TierTape)
		if tapeLoc == nil || !tapeLoc.Verified {
			t.Fatalf("файл %s без подтверждённой tape-локации", rf.Path)
		}
		tarKey, _, err := parseTapeURL(tapeLoc.URL)
		if err != nil {
			t.Fatalf("parseTapeURL: %v", err)
		}
		if !tape.Has(tarKey) {
			t.Errorf("агрегат %s не записан на ленту", tarKey)
		}
	}
}

// TestSubmitAfterStop гоняет Submit одновременно с Stop: отправка
// в закрытый канал недопустима, опоздавшие запросы получают ErrStopped.
func TestSubmitAfterStop(t *testing.T) {
	cat := newFakeCatalog()
	fs := newMemFS()
	fs.put("/data/a.nc", []byte("данные"))

	r := testRouter(cat, storage.NewMemStore(), storage.NewMemStore(), fs)
	r.Start(context.Background())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Submit(ctx, Request{
				Action: model.ActionPut,
				User:   "alice", Group: "climate",
				Label: "run-1",
				Files: []RequestFile{{Path: "/data/a.nc", Size: 6}},
			})
			if err != nil && !errors.Is(err, ErrStopped) {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	r.Stop()
	wg.Wait()

	if _, err := r.Submit(ctx, Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 6}},
	}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit после Stop: err = %v, ожидался ErrStopped", err)
	}
}

func TestAggregateSplitsByThresholds(t *testing.T) {
	r := testRouter(newFakeCatalog(), storage.NewMemStore(), storage.NewMemStore(), newMemFS())
	r.opts.AggregateMaxFiles = 2
	r.opts.AggregateMaxBytes = 100

	files := []*model.File{
		{ID: 1, HoldingID: 1, Size: 40},
		{ID: 2, HoldingID: 1, Size: 40},
		{ID: 3, HoldingID: 1, Size: 40},
		{ID: 4, HoldingID: 2, Size: 90},
		{ID: 5, HoldingID: 2, Size: 90},
	}
	batches := r.aggregate(files)
	if len(batches) != 4 {
		t.Fatalf("получено %d агрегатов, ожидалось 4", len(batches))
	}
	// Холдинг 1: [1,2] (лимит файлов), [3]; холдинг 2: [4], [5] (лимит байт)
	if len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Errorf("разбиение холдинга 1: %d, %d", len(batches[0]), len(batches[1]))
	}
	for _, b := range batches {
		for _, f := range b {
			if f.HoldingID != b[0].HoldingID {
				t.Error("агрегат содержит файлы разных холдингов")
			}
		}
	}
}

func TestTapeURLRoundTrip(t *testing.T) {
	url := tapeURL("holding_1/abc.tar", "1/uuid/data/a.nc")
	tarKey, member, err := parseTapeURL(url)
	if err != nil {
		t.Fatalf("parseTapeURL: %v", err)
	}
	if tarKey != "holding_1/abc.tar" || member != "1/uuid/data/a.nc" {
		t.Errorf("разбор: %q, %q", tarKey, member)
	}
	if _, _, err := parseTapeURL("без-разделителя"); err == nil {
		t.Error("некорректная ссылка разобрана без ошибки")
	}
}

// TestAggregateTarReadable проверяет, что записанный агрегат читается
// стандартным tar-ридером (формат совместим со staging).
func TestAggregateTarReadable(t *testing.T) {
	cat := newFakeCatalog()
	objectStore := storage.NewMemStore()
	tape := storage.NewMemStore()
	fs := newMemFS()
	content := strings.Repeat("x", 1024)
	fs.put("/data/a.nc", []byte(content))

	r := testRouter(cat, objectStore, tape, fs)
	r.Start(context.Background())

	ctx := context.Background()
	tx, err := r.Submit(ctx, Request{
		Action: model.ActionPut,
		User:   "alice", Group: "climate",
		Files: []RequestFile{{Path: "/data/a.nc", Size: 1024}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, cat, tx.TransactionID)
	if _, err := r.RunArchive(ctx); err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	r.Stop()

	f := cat.fileByPath(tx.HoldingID, "/data/a.nc")
	tarKey, member, _ := parseTapeURL(f.LocationFor(model.TierTape).URL)

	arch, err := tape.Get(ctx, tarKey)
	if err != nil {
		t.Fatalf("Get агрегата: %v", err)
	}
	defer arch.Close()

	tr := tar.NewReader(arch)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("чтение заголовка tar: %v", err)
	}
	if hdr.Name != member {
		t.Errorf("член %q, ожидался %q", hdr.Name, member)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatalf("чтение члена tar: %v", err)
	}
	if string(data) != content {
		t.Error("содержимое члена агрегата не совпадает с исходным")
	}
}
