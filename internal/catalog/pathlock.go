// pathlock.go — мьютексы с гранулярностью (holding_id, original_path).
// Две суб-записи одного пути не могут одновременно находиться в CATALOG_PUT:
// блокировка по ключу пути сохраняет инвариант уникальности без
// глобального лока каталога.
package catalog

import (
	"fmt"
	"sync"
)

// pathLock — набор мьютексов по ключу (holding_id, original_path).
// Мьютексы создаются лениво и не удаляются: количество активных путей
// за время жизни процесса ограничено потоком запросов.
type pathLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLock() *pathLock {
	return &pathLock{locks: make(map[string]*sync.Mutex)}
}

// Lock захватывает мьютекс пути. Возвращает функцию освобождения.
func (p *pathLock) Lock(holdingID int64, path string) func() {
	key := fmt.Sprintf("%d\x00%s", holdingID, path)

	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
