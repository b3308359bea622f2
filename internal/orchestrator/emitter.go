package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/metrics"
)

const (
	defaultEmitterBuffer = 256
	publishTimeout       = 5 * time.Second
)

// emitter delivers events to a publisher in submission order on a single
// goroutine. The pipeline never waits on it: when the buffer is full the
// event is dropped and a warning logged.
type emitter struct {
	pub     bus.Publisher
	events  chan bus.Event
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newEmitter(pub bus.Publisher, buffer int, logger zerolog.Logger, m *metrics.Metrics) *emitter {
	if buffer <= 0 {
		buffer = defaultEmitterBuffer
	}
	e := &emitter{
		pub:     pub,
		events:  make(chan bus.Event, buffer),
		logger:  logger.With().Str("component", "emitter").Logger(),
		metrics: m,
		done:    make(chan struct{}),
	}
	go e.loop()
	return e
}

// emit enqueues ev and reports whether it was accepted.
func (e *emitter) emit(ev bus.Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.events <- ev:
		return true
	default:
		e.metrics.RecordError("emitter", "dropped")
		e.logger.Warn().Str("run_id", ev.RunID).Str("phase", ev.Phase).Msg("event buffer full, dropping event")
		return false
	}
}

func (e *emitter) loop() {
	defer close(e.done)
	for ev := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.metrics.RecordError("emitter", "publish")
			e.logger.Warn().Err(err).Str("run_id", ev.RunID).Str("phase", ev.Phase).Msg("event publish failed")
		}
		cancel()
	}
}

// close stops accepting events and waits until the buffer is drained.
func (e *emitter) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()
	<-e.done
}

// nopPublisher discards events when no sink is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, bus.Event) error { return nil }
