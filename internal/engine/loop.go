package engine

import (
	"log"
	"sync"
)

// Loop is the single goroutine that owns every store, tracker and
// supervisor. Other goroutines hand it work through Post.
type Loop struct {
	log      *log.Logger
	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewLoop(logger *log.Logger) *Loop {
	return &Loop{
		log:   logger,
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case f := <-l.tasks:
			l.exec(f)
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) exec(f func()) {
	defer func() {
		if err := recover(); err != nil {
			l.log.Printf("engine loop: recovered panic: %v", err)
		}
	}()
	f()
}

// Post queues f to run on the loop. Work posted after Shutdown is dropped.
func (l *Loop) Post(f func()) {
	select {
	case l.tasks <- f:
	case <-l.stop:
	}
}

// Do runs f on the loop and waits for it. It reports false if the loop
// stopped first. Calling Do from the loop itself deadlocks.
func (l *Loop) Do(f func()) bool {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		f()
	})
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Go runs a blocking call off the loop; Shutdown waits for it.
func (l *Loop) Go(f func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		f()
	}()
}

// Shutdown stops the loop and waits for background calls to return.
func (l *Loop) Shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	l.wg.Wait()
}
