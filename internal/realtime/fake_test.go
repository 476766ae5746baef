package realtime

import (
	"errors"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSubscriber struct {
	subs []*fakeSub
	err  error
}

func (f *fakeSubscriber) Subscribe(topic Topic, h Handler) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{topic: topic, h: h}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) calls() int {
	return len(f.subs)
}

func (f *fakeSubscriber) last() *fakeSub {
	return f.subs[len(f.subs)-1]
}

// open counts subscriptions that have not been unsubscribed.
func (f *fakeSubscriber) open() int {
	n := 0
	for _, s := range f.subs {
		if s.unsubscribed == 0 {
			n++
		}
	}
	return n
}

type fakeSub struct {
	topic        Topic
	h            Handler
	unsubscribed int
	tracked      []PresencePayload
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed++
	return nil
}

func (s *fakeSub) Track(p PresencePayload) error {
	if s.unsubscribed > 0 {
		return errors.New("unsubscribed")
	}
	s.tracked = append(s.tracked, p)
	return nil
}

func (s *fakeSub) subscribed() { s.h.lifecycle(SignalSubscribed, nil) }

func (s *fakeSub) fail() { s.h.lifecycle(SignalError, errors.New("socket closed")) }

func (s *fakeSub) emit(e Event) { s.h.event(e) }
