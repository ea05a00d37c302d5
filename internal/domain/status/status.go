// Пакет status — конечный автомат статусов конвейера Catalog Module.
//
// Каждая суб-запись транзакции проходит через стадии конвейера независимо:
//
//	PUT:     INITIALISING → ROUTING → CATALOG_PUT → TRANSFER_PUT → COMPLETE
//	GET:     INITIALISING → ROUTING → CATALOG_GET → [ARCHIVE_GET] → TRANSFER_GET → COMPLETE
//	ARCHIVE: ARCHIVE_INIT → CATALOG_ARCHIVE_AGGREGATE → ARCHIVE_PUT → CATALOG_ARCHIVE_UPDATE → COMPLETE
//
// Откаты: CATALOG_ROLLBACK (провал transfer put), CATALOG_ARCHIVE_ROLLBACK
// (провал архивации). Числовые коды статусов — стабильная часть wire-формата,
// менять их нельзя.
package status

import "fmt"

// Status — статус суб-записи/транзакции в конвейере.
// Числовое значение — стабильный wire-код.
type Status int

// Коды статусов конвейера.
const (
	// Initialising — транзакция принята, маршрутизация не началась.
	Initialising Status = 0
	// Routing — разбиение транзакции на суб-записи по файлам.
	Routing Status = 1
	// CatalogPut — метаданные файла записаны в каталог (спекулятивно).
	CatalogPut Status = 2
	// TransferPut — физическое копирование в объектное хранилище.
	TransferPut Status = 4
	// CatalogRollback — откат каталожной записи после провала transfer put.
	CatalogRollback Status = 5
	// CatalogGet — разрешение файла и выбор локации для чтения.
	CatalogGet Status = 10
	// ArchiveGet — staging копии с ленты в объектное хранилище.
	ArchiveGet Status = 11
	// TransferGet — копирование из объектного хранилища пользователю.
	TransferGet Status = 12
	// ArchiveInit — выбор файлов, подлежащих архивации на ленту.
	ArchiveInit Status = 20
	// CatalogArchiveAggregate — сборка файлов в единицу записи на ленту.
	CatalogArchiveAggregate Status = 21
	// ArchivePut — физическая запись агрегата на ленту.
	ArchivePut Status = 22
	// CatalogArchiveUpdate — регистрация ленточной локации в каталоге.
	CatalogArchiveUpdate Status = 23
	// CatalogArchiveRollback — удаление ленточной локации после провала архивации.
	CatalogArchiveRollback Status = 40
	// Complete — все операции завершены успешно.
	Complete Status = 100
	// CompleteWithError — часть суб-записей провалилась.
	CompleteWithError Status = 101
	// Failed — ни одна суб-запись не завершилась успешно.
	Failed Status = 102
	// CompleteWithWarning — успех с восстановимой проблемой (например, файл пропущен).
	CompleteWithWarning Status = 103
)

// names — человекочитаемые имена статусов.
var names = map[Status]string{
	Initialising:            "INITIALISING",
	Routing:                 "ROUTING",
	CatalogPut:              "CATALOG_PUT",
	TransferPut:             "TRANSFER_PUT",
	CatalogRollback:         "CATALOG_ROLLBACK",
	CatalogGet:              "CATALOG_GET",
	ArchiveGet:              "ARCHIVE_GET",
	TransferGet:             "TRANSFER_GET",
	ArchiveInit:             "ARCHIVE_INIT",
	CatalogArchiveAggregate: "CATALOG_ARCHIVE_AGGREGATE",
	ArchivePut:              "ARCHIVE_PUT",
	CatalogArchiveUpdate:    "CATALOG_ARCHIVE_UPDATE",
	CatalogArchiveRollback:  "CATALOG_ARCHIVE_ROLLBACK",
	Complete:                "COMPLETE",
	CompleteWithError:       "COMPLETE_WITH_ERROR",
	Failed:                  "FAILED",
	CompleteWithWarning:     "COMPLETE_WITH_WARNING",
}

// validTransitions — матрица допустимых переходов между статусами.
// Ключ — текущий статус, значение — набор допустимых следующих статусов.
// Любой переход вне матрицы — ошибка конвейера, а не данных.
var validTransitions = map[Status]map[Status]bool{
	Initialising: {Routing: true, Failed: true},
	Routing: {
		CatalogPut: true, CatalogGet: true, ArchiveInit: true,
		Failed: true, CompleteWithWarning: true,
	},
	// PUT: спекулятивная запись каталога до физического копирования.
	CatalogPut:      {TransferPut: true, CatalogRollback: true},
	TransferPut:     {Complete: true, CatalogRollback: true},
	CatalogRollback: {Failed: true},
	// GET: прямое чтение из объектного хранилища или staging с ленты.
	CatalogGet:  {ArchiveGet: true, TransferGet: true, Failed: true},
	ArchiveGet:  {TransferGet: true, Failed: true},
	TransferGet: {Complete: true, Failed: true},
	// ARCHIVE: отдельный конвейер, провал не трогает objectstore-локацию.
	ArchiveInit:             {CatalogArchiveAggregate: true, Complete: true, Failed: true},
	CatalogArchiveAggregate: {ArchivePut: true, CatalogArchiveRollback: true},
	ArchivePut:              {CatalogArchiveUpdate: true, CatalogArchiveRollback: true},
	CatalogArchiveUpdate:    {Complete: true, CatalogArchiveRollback: true},
	CatalogArchiveRollback:  {Failed: true},
	// Терминальные статусы — переходов нет.
	Complete:            {},
	CompleteWithError:   {},
	Failed:              {},
	CompleteWithWarning: {},
}

// TransitionError — недопустимый переход между статусами конвейера.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход %s → %s", e.From, e.To)
}

// String возвращает имя статуса или числовой код для неизвестных значений.
func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Valid проверяет, является ли значение известным статусом.
func (s Status) Valid() bool {
	_, ok := names[s]
	return ok
}

// Terminal возвращает true для конечных статусов конвейера.
func (s Status) Terminal() bool {
	switch s {
	case Complete, CompleteWithError, Failed, CompleteWithWarning:
		return true
	default:
		return false
	}
}

// Succeeded возвращает true для терминальных статусов, означающих успех файла.
func (s Status) Succeeded() bool {
	return s == Complete || s == CompleteWithWarning
}

// CanTransition проверяет допустимость перехода s → target.
func (s Status) CanTransition(target Status) bool {
	next, ok := validTransitions[s]
	if !ok {
		return false
	}
	return next[target]
}

// Transition валидирует переход s → target.
// Возвращает *TransitionError для недопустимых переходов.
// Каждая запись статуса в каталог обязана проходить через эту проверку.
func Transition(from, to Status) error {
	if !to.Valid() {
		return &TransitionError{From: from, To: to}
	}
	if !from.CanTransition(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Parse преобразует wire-код в Status.
// Возвращает ошибку для неизвестных кодов.
func Parse(code int) (Status, error) {
	s := Status(code)
	if !s.Valid() {
		return 0, fmt.Errorf("неизвестный код статуса: %d", code)
	}
	return s, nil
}

// Aggregate вычисляет агрегатный статус транзакции по терминальным
// статусам её суб-записей:
//   - все Complete → Complete
//   - все провалились → Failed
//   - часть провалилась → CompleteWithError
//   - успех, но есть предупреждения (пропущенные файлы) → CompleteWithWarning
//
// Вызывается только когда все суб-записи достигли терминального статуса.
func Aggregate(subs []Status) Status {
	if len(subs) == 0 {
		return Failed
	}

	var ok, warn, failed int
	for _, s := range subs {
		switch {
		case s == Complete:
			ok++
		case s == CompleteWithWarning:
			warn++
		default:
			failed++
		}
	}

	switch {
	case failed == len(subs):
		return Failed
	case failed > 0:
		return CompleteWithError
	case warn > 0:
		return CompleteWithWarning
	default:
		return Complete
	}
}
