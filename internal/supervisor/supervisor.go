package supervisor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/metrics"
	"priceflow/logger"
)

// ConnState is the lifecycle state of one supervised streaming connection.
type ConnState string

const (
	StateConnecting      ConnState = "CONNECTING"
	StateConnected       ConnState = "CONNECTED"
	StateBackoff         ConnState = "BACKOFF"
	StateFailedPermanent ConnState = "FAILED_PERMANENT"
)

// Adapter is a streaming feed under supervision. Connect dials and
// subscribes; Stream blocks reading frames until the connection drops or the
// context is cancelled. LastMessage feeds the heartbeat watchdog.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Stream(ctx context.Context) error
	LastMessage() time.Time
}

// Supervisor owns the reconnect loop for every streaming adapter. Each
// adapter gets its own goroutine cycling through connect, stream and backoff.
// A stream that stays silent past the heartbeat window is torn down and
// reconnected even though the TCP connection still looks alive.
type Supervisor struct {
	config   *appconfig.Config
	adapters []Adapter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	states   map[string]ConnState
	log      *logger.Log
}

func NewSupervisor(cfg *appconfig.Config, adapters []Adapter) *Supervisor {
	return &Supervisor{
		config:   cfg,
		adapters: adapters,
		wg:       &sync.WaitGroup{},
		states:   make(map[string]ConnState),
		log:      logger.GetLogger(),
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"adapters": len(s.adapters),
	}).Info("starting reconnect supervisor")

	for _, a := range s.adapters {
		s.wg.Add(1)
		go s.supervise(a)
	}

	return nil
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("supervisor").Debug("stopping reconnect supervisor")
	s.wg.Wait()
	s.log.WithComponent("supervisor").Info("reconnect supervisor stopped")
}

// State reports the current lifecycle state of one adapter.
func (s *Supervisor) State(name string) ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[name]
}

func (s *Supervisor) setState(name string, state ConnState) {
	s.mu.Lock()
	s.states[name] = state
	s.mu.Unlock()
}

func (s *Supervisor) supervise(a Adapter) {
	defer s.wg.Done()

	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{"adapter": a.Name()})
	attempts := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.setState(a.Name(), StateConnecting)
		if err := a.Connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			attempts++
			metrics.IncrementReconnectAttempt(a.Name())
			log.WithError(err).WithFields(logger.Fields{"attempts": attempts}).Warn("connect failed")
			if !s.backoff(a.Name(), log, attempts) {
				return
			}
			continue
		}

		s.setState(a.Name(), StateConnected)
		attempts = 0
		log.Info("connected")

		err := s.stream(a)
		if s.ctx.Err() != nil {
			return
		}
		attempts++
		metrics.IncrementReconnectAttempt(a.Name())
		log.WithError(err).Warn("stream ended, reconnecting")
		if !s.backoff(a.Name(), log, attempts) {
			return
		}
	}
}

// stream runs the adapter's read loop with a heartbeat watchdog. The
// watchdog cancels the stream context when no message has arrived within
// the configured window.
func (s *Supervisor) stream(a Adapter) error {
	streamCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	window := s.config.Feeds.HeartbeatWindow
	if window > 0 {
		go s.watchdog(streamCtx, cancel, a, window, time.Now())
	}

	return a.Stream(streamCtx)
}

func (s *Supervisor) watchdog(ctx context.Context, cancel context.CancelFunc, a Adapter, window time.Duration, connectedAt time.Time) {
	interval := window / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stream that subscribed but never delivered a frame is just
			// as dead as one that went quiet, so silence is measured from
			// the connect time until the first message arrives.
			last := a.LastMessage()
			if last.Before(connectedAt) {
				last = connectedAt
			}
			if time.Since(last) > window {
				s.log.WithComponent("supervisor").WithFields(logger.Fields{
					"adapter":      a.Name(),
					"last_message": last,
				}).Warn("heartbeat window exceeded, forcing reconnect")
				cancel()
				return
			}
		}
	}
}

// backoff waits out the delay for the given failure count. It returns false
// when the supervisor should give up, either because the context was
// cancelled or the attempt budget is exhausted.
func (s *Supervisor) backoff(name string, log *logger.Entry, attempts int) bool {
	max := s.config.Reconnect.MaxAttempts
	if max > 0 && attempts >= max {
		s.setState(name, StateFailedPermanent)
		log.WithFields(logger.Fields{"attempts": attempts}).Error("reconnect attempts exhausted")
		return false
	}

	delay := Delay(s.config.Reconnect, attempts)
	s.setState(name, StateBackoff)
	log.WithFields(logger.Fields{"delay": delay.String()}).Debug("backing off")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Delay computes the backoff for the given consecutive failure count:
// base scaled by growth^(attempts-1), capped at the configured maximum.
func Delay(cfg appconfig.ReconnectConfig, attempts int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = time.Minute
	}
	growth := cfg.GrowthFactor
	if growth <= 1 {
		growth = 2.0
	}
	if attempts <= 1 {
		return base
	}

	scaled := float64(base) * math.Pow(growth, float64(attempts-1))
	if scaled >= float64(max) {
		return max
	}
	return time.Duration(scaled)
}
