package ledger

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCapacity = 100_000
	DefaultTTL      = 30 * time.Minute
)

type entry struct {
	key      string
	expireAt time.Time
}

// Ledger remembers message digests this node has already handled. It is
// bounded by entry count (LRU eviction) and optionally by age. A digest that
// has been evicted or has expired reads as unseen again.
type Ledger struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	cap  int
	ttl  time.Duration
	now  func() time.Time
}

// New returns a ledger holding at most capacity digests, each for at most
// ttl. A ttl of zero disables expiry.
func New(capacity int, ttl time.Duration) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacity,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Observe records key and reports whether it was already present. The check
// and the insert happen under one lock, so among concurrent callers with the
// same key exactly one sees false.
func (l *Ledger) Observe(key string) (seen bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if el, ok := l.data[key]; ok {
		e := el.Value.(*entry)
		if e.expireAt.IsZero() || now.Before(e.expireAt) {
			l.ll.MoveToFront(el)
			return true
		}
		l.removeElement(el)
	}

	e := &entry{key: key}
	if l.ttl > 0 {
		e.expireAt = now.Add(l.ttl)
	}
	l.data[key] = l.ll.PushFront(e)
	l.evictIfNeeded()
	return false
}

// Contains reports whether key is present and unexpired without touching
// recency.
func (l *Ledger) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.data[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	return e.expireAt.IsZero() || l.now().Before(e.expireAt)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}

func (l *Ledger) evictIfNeeded() {
	for len(l.data) > l.cap && l.ll.Back() != nil {
		l.removeElement(l.ll.Back())
	}
}

func (l *Ledger) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(l.data, e.key)
	l.ll.Remove(el)
}
