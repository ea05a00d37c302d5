// retry.go — политика повторов стадий конвейера.
// Повторяются только транзиентные ошибки хранилища; постоянные ошибки
// и исчерпание лимита немедленно переводят стадию в откат.
package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gonlds/internal/storage"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nlds_pipeline_retries_total",
	Help: "Количество повторов стадий конвейера по транзиентным ошибкам.",
}, []string{"stage"})

// RetryPolicy — ограниченный экспоненциальный backoff.
type RetryPolicy struct {
	// Max — максимальное количество повторов (не считая первой попытки)
	Max int
	// BaseDelay — задержка перед первым повтором
	BaseDelay time.Duration
	// MaxDelay — потолок задержки
	MaxDelay time.Duration
}

// Do выполняет op с повторами по транзиентным ошибкам.
// onRetry вызывается перед каждым повтором (учёт повторов в каталоге);
// может быть nil. Возвращает последнюю ошибку op.
func (p RetryPolicy) Do(ctx context.Context, stage string, op func() error, onRetry func() error) error {
	delay := p.BaseDelay

	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !storage.Transient(err) || attempt >= p.Max {
			return err
		}

		retriesTotal.WithLabelValues(stage).Inc()
		if onRetry != nil {
			if rerr := onRetry(); rerr != nil {
				return rerr
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
