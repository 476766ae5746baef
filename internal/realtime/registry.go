package realtime

import (
	"log"

	"github.com/carecoord/caresync/internal/clock"
	"github.com/carecoord/caresync/internal/stats"
)

type Connectivity int

const (
	Idle Connectivity = iota
	Connecting
	Live
	Offline
)

func (c Connectivity) String() string {
	switch c {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Live:
		return "Live"
	case Offline:
		return "Offline"
	}
	return "unknown"
}

// Watcher consumes a topic through the registry.
type Watcher struct {
	Event func(Event)
	// Recover runs after the shared channel resubscribes following an outage.
	Recover func()
}

type RegistryConfig struct {
	Transport Subscriber
	Clock     clock.Clock
	Backoff   Backoff
	Post      func(f func())
	Log       *log.Logger
	Stats     stats.StatsProvider
	// OnConnectivity runs whenever the aggregate connectivity changes.
	OnConnectivity func(Connectivity)
}

// Registry shares one supervised channel per topic between every
// consumer watching it. It must only be used from the engine loop.
type Registry struct {
	cfg     RegistryConfig
	entries map[Topic]*registryEntry
	status  Connectivity
}

type registryEntry struct {
	sup      *Supervisor
	watchers map[int]Watcher
	nextId   int
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[Topic]*registryEntry),
	}
}

// Watch adds w to topic, opening the channel for the first watcher. The
// returned func removes w and is safe to call more than once.
func (r *Registry) Watch(topic Topic, w Watcher) func() {
	e, ok := r.entries[topic]
	if !ok {
		e = &registryEntry{watchers: make(map[int]Watcher)}
		e.sup = NewSupervisor(SupervisorConfig{
			Topic:     topic,
			Transport: r.cfg.Transport,
			Clock:     r.cfg.Clock,
			Backoff:   r.cfg.Backoff,
			Post:      r.cfg.Post,
			Log:       r.cfg.Log,
			Stats:     r.cfg.Stats,
			Events:    func(ev Event) { r.fanOut(e, ev) },
			OnState:   func(State) { r.refresh() },
			OnRecover: func() { r.recover(e) },
		})
		r.entries[topic] = e
		if r.cfg.Stats != nil {
			r.cfg.Stats.Incr("ActiveChannels")
		}
	}

	id := e.nextId
	e.nextId++
	e.watchers[id] = w

	if !ok {
		e.sup.Start()
	}
	r.refresh()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		r.release(topic, e, id)
	}
}

// Watchers returns how many consumers share topic.
func (r *Registry) Watchers(topic Topic) int {
	if e, ok := r.entries[topic]; ok {
		return len(e.watchers)
	}
	return 0
}

func (r *Registry) Supervisor(topic Topic) (*Supervisor, bool) {
	e, ok := r.entries[topic]
	if !ok {
		return nil, false
	}
	return e.sup, true
}

// Track publishes presence on the shared channel of topic.
func (r *Registry) Track(topic Topic, payload PresencePayload) error {
	e, ok := r.entries[topic]
	if !ok {
		return &TransportError{Topic: topic, Err: ErrConnectionClosed}
	}
	return e.sup.Track(payload)
}

func (r *Registry) Connectivity() Connectivity {
	return r.status
}

// Close stops every channel regardless of remaining watchers.
func (r *Registry) Close() {
	for topic, e := range r.entries {
		delete(r.entries, topic)
		e.sup.Stop()
		if r.cfg.Stats != nil {
			r.cfg.Stats.Decr("ActiveChannels")
		}
	}
	r.refresh()
}

func (r *Registry) release(topic Topic, e *registryEntry, id int) {
	delete(e.watchers, id)
	if len(e.watchers) > 0 {
		return
	}
	if cur, ok := r.entries[topic]; !ok || cur != e {
		return
	}
	delete(r.entries, topic)
	e.sup.Stop()
	if r.cfg.Stats != nil {
		r.cfg.Stats.Decr("ActiveChannels")
	}
	r.refresh()
}

func (r *Registry) fanOut(e *registryEntry, ev Event) {
	for _, w := range e.watchers {
		if w.Event != nil {
			w.Event(ev)
		}
	}
}

func (r *Registry) recover(e *registryEntry) {
	for _, w := range e.watchers {
		if w.Recover != nil {
			w.Recover()
		}
	}
}

func (r *Registry) refresh() {
	status := Idle
	if len(r.entries) > 0 {
		status = Live
		for _, e := range r.entries {
			switch e.sup.State() {
			case StateErrored, StateTimedOut, StateWaitingRetry:
				status = Offline
			case StateIdle, StateConnecting:
				if status == Live {
					status = Connecting
				}
			}
			if status == Offline {
				break
			}
		}
	}

	if status == r.status {
		return
	}
	r.status = status
	if r.cfg.OnConnectivity != nil {
		r.cfg.OnConnectivity(status)
	}
}
