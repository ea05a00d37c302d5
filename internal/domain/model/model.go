// Пакет model — доменные модели Catalog Module.
// Холдинг → транзакции → суб-записи; холдинг → файлы → локации.
// Каталог (PostgreSQL) — единственный владелец этих сущностей,
// конвейер хранит своё продвижение только через статусы суб-записей.
package model

import (
	"time"

	"github.com/bigkaa/gonlds/internal/domain/status"
)

// ApiAction — действие, инициированное пользователем.
type ApiAction string

const (
	ActionPut     ApiAction = "put"
	ActionPutList ApiAction = "putlist"
	ActionGet     ApiAction = "get"
	ActionGetList ApiAction = "getlist"
	ActionDel     ApiAction = "del"
	ActionArchive ApiAction = "archive"
)

// StorageTier — класс хранилища, в котором лежит копия файла.
type StorageTier string

const (
	// TierObjectStore — объектное хранилище (быстрый доступ).
	TierObjectStore StorageTier = "objectstore"
	// TierTape — лента (архивный уровень, staging перед чтением).
	TierTape StorageTier = "tape"
)

// Holding — именованная коллекция файлов пользователя.
// Label уникален в пределах пары user+group; внутри холдинга
// каждый original_path уникален для одного ingest_time.
type Holding struct {
	// ID — неизменяемый идентификатор, присваивается при первом PUT
	ID int64 `json:"holding_id"`
	// Label — метка холдинга; генерируется, если пользователь не задал
	Label string `json:"label"`
	// User — владелец холдинга
	User string `json:"user"`
	// Group — группа владельца
	Group string `json:"group"`
	// Tags — теги холдинга (ключ → значение), меняются только через META
	Tags map[string]string `json:"tags,omitempty"`
	// CreatedAt — время создания (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// Transaction — одно действие пользователя (PUT/GET/...) и его продвижение
// по конвейеру. TransactionID — глобально уникальный UUID, неизменяемый.
type Transaction struct {
	// ID — внутренний serial, задаёт порядок создания (tie-break при чтении)
	ID int64 `json:"-"`
	// TransactionID — UUID транзакции, генерируется при приёме запроса
	TransactionID string `json:"transaction_id"`
	// HoldingID — холдинг, к которому относится транзакция
	HoldingID int64 `json:"holding_id"`
	// Action — тип действия
	Action ApiAction `json:"api_action"`
	// JobLabel — метка задания; по умолчанию первые 8 символов UUID
	JobLabel string `json:"job_label"`
	// User, Group — инициатор
	User  string `json:"user"`
	Group string `json:"group"`
	// Status — агрегатный статус транзакции
	Status status.Status `json:"status"`
	// CreatedAt — время приёма запроса (UTC)
	CreatedAt time.Time `json:"created_at"`
	// SubRecords — пофайловые записи продвижения (упорядочены)
	SubRecords []*SubRecord `json:"sub_records,omitempty"`
}

// SubRecord — пофайловая единица продвижения внутри транзакции.
// Суб-записи независимы и продвигаются по конвейеру параллельно.
type SubRecord struct {
	ID            int64 `json:"-"`
	TransactionID int64 `json:"-"`
	// OriginalPath — путь файла, к которому относится запись
	OriginalPath string `json:"original_path"`
	// Status — текущая стадия конвейера
	Status status.Status `json:"status"`
	// Retries — количество выполненных повторов текущей стадии
	Retries int `json:"retries"`
	// FailureReason — причина провала (пусто при успехе)
	FailureReason string `json:"failure_reason,omitempty"`
	// LastUpdated — время последнего перехода (UTC)
	LastUpdated time.Time `json:"last_updated"`
}

// File — один физический элемент под холдингом.
// Повторный PUTLIST того же пути создаёт новое поколение файла
// (новая запись с новым ingest_time); старая запись сохраняется для истории.
type File struct {
	ID        int64 `json:"-"`
	HoldingID int64 `json:"holding_id"`
	// TransactionID — внутренний id создавшей транзакции (порядок вставки)
	TransactionID int64 `json:"-"`
	// OriginalPath — исходный путь файла у пользователя
	OriginalPath string `json:"original_path"`
	// Size — размер в байтах
	Size int64 `json:"size"`
	// Owner, Group, Permissions — атрибуты исходного файла
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Permissions uint32 `json:"permissions"`
	// Checksum — SHA-256 последней записи
	Checksum string `json:"checksum,omitempty"`
	// IngestTime — время приёма этого поколения файла (UTC)
	IngestTime time.Time `json:"ingest_time"`
	// Locations — физические копии (0..2: objectstore и/или tape)
	Locations []*Location `json:"locations,omitempty"`
}

// Location — физическая копия байтов файла в одном классе хранилища.
type Location struct {
	ID     int64 `json:"location_id"`
	FileID int64 `json:"-"`
	// Tier — objectstore или tape
	Tier StorageTier `json:"tier"`
	// URL — ключ/путь копии внутри драйвера хранилища
	URL string `json:"url"`
	// Verified — физическая запись подтверждена (checksum совпал).
	// Спекулятивная objectstore-локация создаётся с verified=false
	// до завершения transfer put.
	Verified bool `json:"verified"`
	// Evictable — objectstore-копия может быть вытеснена
	// (выставляется после подтверждённой записи на ленту)
	Evictable bool `json:"evictable"`
	// WrittenAt — время создания копии (UTC)
	WrittenAt time.Time `json:"written_at"`
	// LastAccessed — время последнего чтения (для политики вытеснения)
	LastAccessed time.Time `json:"last_accessed"`
}

// Newer сообщает, является ли поколение a более свежим, чем b,
// для одного (holding_id, original_path): сравнение по ingest_time,
// при равенстве — по порядку создания транзакций (внутренний serial).
// Операции чтения обязаны выбирать максимум по этому компаратору.
func Newer(a, b *File) bool {
	if !a.IngestTime.Equal(b.IngestTime) {
		return a.IngestTime.After(b.IngestTime)
	}
	return a.TransactionID > b.TransactionID
}

// Newest возвращает самое свежее поколение из списка файлов одного пути.
// Возвращает nil для пустого списка.
func Newest(files []*File) *File {
	var newest *File
	for _, f := range files {
		if newest == nil || Newer(f, newest) {
			newest = f
		}
	}
	return newest
}

// LocationFor возвращает локацию файла в указанном классе хранилища
// или nil, если копии в нём нет.
func (f *File) LocationFor(tier StorageTier) *Location {
	for _, loc := range f.Locations {
		if loc.Tier == tier {
			return loc
		}
	}
	return nil
}
