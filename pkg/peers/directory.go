package peers

import (
	"slices"
	"sync"
)

// DefaultAttempts is the liveness credit a peer gets on admission or on any
// successful contact.
const DefaultAttempts = 3

type AdmitResult uint8

const (
	Admitted  AdmitResult = iota // newly inserted
	Refreshed                    // already known, credit reset
	Rejected                     // own address, never inserted
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case Refreshed:
		return "refreshed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Directory is the set of live peers known to this node. Each peer carries a
// liveness credit; a peer whose credit reaches zero is removed.
type Directory struct {
	mu       sync.RWMutex
	attempts int
	self     string
	credit   map[string]int // address -> remaining liveness
	order    []string       // insertion order, same keys as credit
}

func NewDirectory(attempts int) *Directory {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Directory{
		attempts: attempts,
		credit:   make(map[string]int),
	}
}

// SetSelf records this node's own address. A self entry already present is
// dropped so the directory never lists the node itself.
func (d *Directory) SetSelf(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = addr
	if _, ok := d.credit[addr]; ok {
		d.removeLocked(addr)
	}
}

// PinSelf sets self to addr only if no self address is recorded yet. It
// returns the address in effect afterwards and whether this call set it.
func (d *Directory) PinSelf(addr string) (self string, pinned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self != "" {
		return d.self, false
	}
	d.self = addr
	if _, ok := d.credit[addr]; ok {
		d.removeLocked(addr)
	}
	return addr, true
}

func (d *Directory) Self() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// Attempts returns the credit a peer is reset to on success.
func (d *Directory) Attempts() int { return d.attempts }

func (d *Directory) Admit(addr string) AdmitResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr == "" || addr == d.self {
		return Rejected
	}
	if _, ok := d.credit[addr]; ok {
		d.credit[addr] = d.attempts
		return Refreshed
	}
	d.credit[addr] = d.attempts
	d.order = append(d.order, addr)
	return Admitted
}

func (d *Directory) ReportSuccess(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.credit[addr]; ok {
		d.credit[addr] = d.attempts
	}
}

// ReportFailure takes one unit of credit from addr and reports whether the
// peer was evicted as a result.
func (d *Directory) ReportFailure(addr string) (evicted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.credit[addr]
	if !ok {
		return false
	}
	if c <= 1 {
		d.removeLocked(addr)
		return true
	}
	d.credit[addr] = c - 1
	return false
}

// List returns a copy of the known addresses in admission order.
func (d *Directory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Directory) Contains(addr string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.credit[addr]
	return ok
}

// Liveness returns the remaining credit for addr.
func (d *Directory) Liveness(addr string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.credit[addr]
	return c, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

func (d *Directory) removeLocked(addr string) {
	delete(d.credit, addr)
	if i := slices.Index(d.order, addr); i >= 0 {
		d.order = slices.Delete(d.order, i, i+1)
	}
}
