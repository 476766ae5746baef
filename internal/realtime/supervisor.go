package realtime

import (
	"log"

	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/stats"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateErrored
	StateTimedOut
	StateWaitingRetry
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	case StateWaitingRetry:
		return "waiting_retry"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Healthy reports whether the channel currently delivers events.
func (s State) Healthy() bool {
	return s == StateSubscribed
}

type SupervisorConfig struct {
	Topic     Topic
	Transport Subscriber
	Clock     clock.Clock
	Backoff   Backoff
	// Post runs f on the engine loop. Every transition happens inside it.
	Post    func(f func())
	Log     *log.Logger
	Stats   stats.StatsProvider
	Events  func(Event)
	OnState func(State)
	// OnRecover runs when the channel is subscribed again after an
	// outage, so consumers can refetch what they missed.
	OnRecover func()
}

// Supervisor keeps one channel subscribed. It is a state machine whose
// inputs (Start, lifecycle signals, retry timer, Stop) all arrive on the
// engine loop; at most one subscription and one retry timer exist.
type Supervisor struct {
	cfg     SupervisorConfig
	state   State
	sub     Subscription
	gen     int
	attempt int
	retry   clock.Timer
	retryId int
	outage  bool
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	return &Supervisor{cfg: cfg}
}

func (s *Supervisor) State() State {
	return s.state
}

func (s *Supervisor) Topic() Topic {
	return s.cfg.Topic
}

// RetryPending reports whether a retry timer is in flight.
func (s *Supervisor) RetryPending() bool {
	return s.retry != nil
}

func (s *Supervisor) Start() {
	if s.state != StateIdle {
		return
	}
	s.connect()
}

// Track publishes presence on the current subscription.
func (s *Supervisor) Track(payload PresencePayload) error {
	if s.sub == nil || s.state != StateSubscribed {
		return &TransportError{Topic: s.cfg.Topic, Err: ErrConnectionClosed}
	}
	return s.sub.Track(payload)
}

// Stop tears the channel down. It is idempotent and cancels a pending
// retry so no subscribe happens afterwards.
func (s *Supervisor) Stop() {
	if s.state == StateClosed {
		return
	}
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.release()
	s.setState(StateClosed)
}

func (s *Supervisor) connect() {
	s.gen++
	gen := s.gen
	s.setState(StateConnecting)

	sub, err := s.cfg.Transport.Subscribe(s.cfg.Topic, Handler{
		Event: func(e Event) {
			s.cfg.Post(func() {
				if gen == s.gen && s.cfg.Events != nil {
					s.cfg.Events(e)
				}
			})
		},
		Lifecycle: func(sig Signal, err error) {
			s.cfg.Post(func() { s.handleLifecycle(gen, sig, err) })
		},
	})
	if err != nil {
		s.handleLifecycle(gen, SignalError, err)
		return
	}
	if gen == s.gen {
		s.sub = sub
	} else {
		// a synchronous failure already moved on
		_ = sub.Unsubscribe()
	}
}

func (s *Supervisor) handleLifecycle(gen int, sig Signal, err error) {
	if gen != s.gen || s.state == StateClosed {
		return
	}

	switch sig {
	case SignalSubscribed:
		s.attempt = 0
		s.setState(StateSubscribed)
		if s.outage {
			s.outage = false
			if s.cfg.OnRecover != nil {
				s.cfg.OnRecover()
			}
		}
	case SignalTimedOut:
		s.logf("channel %s timed out", s.cfg.Topic)
		s.setState(StateTimedOut)
		s.scheduleRetry()
	case SignalError, SignalClosed:
		s.logf("channel %s %s: %v", s.cfg.Topic, sig, err)
		s.setState(StateErrored)
		s.scheduleRetry()
	}
}

func (s *Supervisor) scheduleRetry() {
	if s.retry != nil {
		return
	}
	s.outage = true
	// drop the failed channel before a new one is opened
	s.gen++
	s.release()

	delay := s.cfg.Backoff.Next(s.attempt)
	s.attempt++
	s.retryId++
	id := s.retryId
	s.setState(StateWaitingRetry)
	if s.cfg.Stats != nil {
		s.cfg.Stats.Incr("ReconnectAttempts")
	}
	s.logf("retrying channel %s in %s", s.cfg.Topic, delay)

	s.retry = s.cfg.Clock.AfterFunc(delay, func() {
		s.cfg.Post(func() { s.fireRetry(id) })
	})
}

func (s *Supervisor) fireRetry(id int) {
	if id != s.retryId || s.retry == nil || s.state != StateWaitingRetry {
		return
	}
	s.retry = nil
	s.connect()
}

func (s *Supervisor) release() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logf("unsubscribe %s: %v", s.cfg.Topic, err)
	}
	s.sub = nil
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.cfg.Log != nil {
		s.cfg.Log.Printf(format, args...)
	}
}
