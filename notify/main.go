package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const multiplexerTimeout = 200 * time.Millisecond

const queueSize = 256

type subscriber[E any] struct {
	ch      chan E
	comment string
}

// MultiplexerSender is the sending side of a Multiplexer.
// Values are delivered to subscribers in the order they were sent.
type MultiplexerSender[E any] struct {
	m      *Multiplexer[E]
	queue  chan E
	lock   sync.RWMutex
	closed bool
}

// Send queues e for delivery. It never blocks; if the queue is full, e is dropped (and
// logged). Send after Close is a no-op.
func (ms *MultiplexerSender[E]) Send(e E) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	if ms.closed {
		return
	}
	ms.m.setLatest(e)
	select {
	case ms.queue <- e:
	default:
		zap.S().Warnw("multiplexer queue full, dropping", "multiplexer", ms.m.comment)
	}
}

// Close stops delivery after the already-queued values are sent.
func (ms *MultiplexerSender[E]) Close() {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if !ms.closed {
		ms.closed = true
		close(ms.queue)
	}
}

func (ms *MultiplexerSender[E]) loop() {
	for e := range ms.queue {
		ms.m.send(e)
	}
}

func NewMultiplexerSender[E any](comment string) (*MultiplexerSender[E], *Multiplexer[E]) {
	m := &Multiplexer[E]{
		comment: comment,
	}
	ms := &MultiplexerSender[E]{m: m, queue: make(chan E, queueSize)}
	go ms.loop()
	return ms, m
}

// Multiplexer fans values out to every subscribed channel.
type Multiplexer[E any] struct {
	comment         string
	subscribersLock sync.Mutex
	subscribers     []subscriber[E]

	latestLock  sync.RWMutex
	latest      E
	latestValid bool
}

func (m *Multiplexer[E]) Subscribe(comment string, c chan E) {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()
	m.subscribers = append(m.subscribers, subscriber[E]{
		ch:      c,
		comment: comment,
	})
}

func (m *Multiplexer[E]) Unsubscribe(c chan E) {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()
	i := slices.IndexFunc(m.subscribers, func(sub subscriber[E]) bool { return sub.ch == c })
	if i == -1 {
		panic("already unsubscribed")
	}
	m.subscribers = slices.Delete(m.subscribers, i, i+1)
}

// Latest returns the most recently sent value.
func (m *Multiplexer[E]) Latest() (e E, ok bool) {
	m.latestLock.RLock()
	defer m.latestLock.RUnlock()
	return m.latest, m.latestValid
}

func (m *Multiplexer[E]) setLatest(e E) {
	m.latestLock.Lock()
	defer m.latestLock.Unlock()
	m.latest = e
	m.latestValid = true
}

func (m *Multiplexer[E]) send(e E) {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()
	for _, sub := range m.subscribers {
		select {
		case sub.ch <- e:
		case <-time.After(multiplexerTimeout):
			m.timeout(sub)
		}
	}
}

func (m *Multiplexer[E]) timeout(sub subscriber[E]) {
	zap.S().Warnw("subscriber timed out", "multiplexer", m.comment, "subscriber", sub.comment)
}
