// Package notifier delivers outcome messages to chats asynchronously so the
// scheduler's workers never block on Telegram.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"enrollbot/internal/eventbus"
	rtsup "enrollbot/internal/runtime/supervisor"
	kit "enrollbot/internal/transport"
	logx "enrollbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the outcome delivery pipeline.
type Config struct {
	QueueSize   int
	RatePerSec  float64
	SendTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Event is published on the bus for each delivery attempt's result.
type Event struct {
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Service drains a bounded queue through the transport adapter. Delivery is
// at most once: a failed send is logged and dropped, never retried, so a
// Telegram outage cannot replay stale outcome messages later.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	adapter kit.Adapter
	limiter *rate.Limiter

	mu    sync.Mutex // guards queue and sup across Start/Stop/Enqueue
	queue chan kit.Notification
	sup   *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan kit.Notification, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart0("drain", func(c context.Context) {
		s.drainLoop(c, q)
	})
}

// Stop cancels the drain loop. Queued notifications that were not yet sent
// are dropped; at-most-once keeps that safe.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Enqueue never blocks. A full queue drops the notification and reports it,
// keeping scheduler workers decoupled from Telegram latency.
func (s *Service) Enqueue(n kit.Notification) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification queue full, dropping",
			logx.Int64("chat", n.Target.ChatID))
		return ErrQueueFull
	}
}

func (s *Service) drainLoop(ctx context.Context, q <-chan kit.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			s.send(ctx, n)
		}
	}
}

func (s *Service) send(ctx context.Context, n kit.Notification) {
	if s.adapter == nil || n.Text == "" {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	_, err := s.adapter.SendText(cctx, n.Target, n.Text, n.Options)
	cancel()

	now := time.Now()
	if err != nil {
		s.log.Error("notification send failed",
			logx.Int64("chat", n.Target.ChatID), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindNotifierFailed, Time: now,
				Data: Event{ChatID: n.Target.ChatID, At: now, Error: err.Error()}})
		}
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindNotifierSent, Time: now,
			Data: Event{ChatID: n.Target.ChatID, At: now}})
	}
}
