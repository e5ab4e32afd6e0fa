package timer

import (
	"context"
	"sync"
	"time"

	"coderoom/internal/logger"
	"coderoom/internal/metrics"
	"coderoom/internal/rooms"

	"github.com/rs/zerolog"
)

// Store is the slice of the room repository the countdown needs.
type Store interface {
	Status(ctx context.Context, roomID string) (rooms.Status, error)
	Remaining(ctx context.Context, roomID string) (int, bool, error)
	SetRemaining(ctx context.Context, roomID string, seconds int) error
	UpdateRemaining(ctx context.Context, roomID string, seconds int) (bool, error)
	DeleteRemaining(ctx context.Context, roomID string) error
}

// Listener receives countdown progress. TimerExpired runs on the loop's
// goroutine with a context that outlives the loop, so it may call Stop.
type Listener interface {
	TimerTick(roomID string, remaining int)
	TimerExpired(ctx context.Context, roomID string)
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs at most one countdown loop per room. The map of handles only
// records which loops are alive; the remaining time lives in the store and
// is re-read every tick.
type Engine struct {
	store    Store
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	listener Listener
	running  map[string]*handle
	wg       sync.WaitGroup
}

func New(store Store, interval time.Duration, m *metrics.Metrics) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		store:    store,
		interval: interval,
		metrics:  m,
		log:      logger.For("timer"),
		running:  make(map[string]*handle),
	}
}

func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Start replaces any loop already running for the room, persists the
// countdown and begins ticking.
func (e *Engine) Start(ctx context.Context, roomID string, seconds int) error {
	e.halt(roomID)

	if err := e.store.SetRemaining(ctx, roomID, seconds); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if prev := e.running[roomID]; prev != nil {
		prev.cancel()
	}
	e.running[roomID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	if e.metrics != nil {
		e.metrics.TimersRunning.Inc()
	}
	go e.loop(loopCtx, roomID, h)

	e.log.Debug().Str("room", roomID).Int("seconds", seconds).Msg("timer started")
	return nil
}

// Stop cancels the room's loop and deletes the timer key. It does not wait
// for the loop to exit and is a no-op for rooms without a timer.
func (e *Engine) Stop(ctx context.Context, roomID string) error {
	e.mu.Lock()
	if h := e.running[roomID]; h != nil {
		h.cancel()
	}
	e.mu.Unlock()
	return e.store.DeleteRemaining(ctx, roomID)
}

// Halt is Stop that also waits for the loop to return, including any
// TimerExpired call it is in. It must not be called from a Listener.
func (e *Engine) Halt(ctx context.Context, roomID string) error {
	e.halt(roomID)
	return e.store.DeleteRemaining(ctx, roomID)
}

// Running reports whether a loop for the room is still alive.
func (e *Engine) Running(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[roomID]
	return ok
}

// StopAll cancels every loop and waits for them to return. Timer keys are
// left in the store.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for _, h := range e.running {
		h.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) halt(roomID string) {
	e.mu.Lock()
	h := e.running[roomID]
	e.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (e *Engine) loop(ctx context.Context, roomID string, h *handle) {
	ticker := time.NewTicker(e.interval)
	defer func() {
		ticker.Stop()
		if e.metrics != nil {
			e.metrics.TimersRunning.Dec()
		}
		e.mu.Lock()
		if e.running[roomID] == h {
			delete(e.running, roomID)
		}
		e.mu.Unlock()
		close(h.done)
		e.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.tick(ctx, roomID) {
				return
			}
		}
	}
}

// tick advances the countdown by one second and reports whether the loop
// should keep running.
func (e *Engine) tick(ctx context.Context, roomID string) bool {
	status, err := e.store.Status(ctx, roomID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log.Error().Err(err).Str("room", roomID).Msg("reading room status")
		return true
	}
	if status != rooms.StatusStarted {
		e.log.Debug().Str("room", roomID).Str("status", string(status)).Msg("room no longer running, halting timer")
		return false
	}

	remaining, ok, err := e.store.Remaining(ctx, roomID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log.Error().Err(err).Str("room", roomID).Msg("reading remaining time")
		return true
	}

	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()

	if !ok || remaining <= 0 {
		if ctx.Err() != nil {
			return false
		}
		e.log.Info().Str("room", roomID).Msg("time expired")
		if l != nil {
			l.TimerExpired(context.WithoutCancel(ctx), roomID)
		}
		return false
	}

	remaining--
	if ctx.Err() != nil {
		return false
	}
	ok, err = e.store.UpdateRemaining(ctx, roomID, remaining)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log.Error().Err(err).Str("room", roomID).Msg("persisting remaining time")
		return true
	}
	if !ok {
		e.log.Debug().Str("room", roomID).Msg("timer key removed, halting timer")
		return false
	}
	// Stop cancels after the room is marked ended
	if ctx.Err() != nil {
		return false
	}
	if l != nil {
		l.TimerTick(roomID, remaining)
	}
	return true
}
