package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/rumord/pkg/ledger"
	"github.com/ryandielhenn/rumord/pkg/peers"
)

var (
	errDown = errors.New("connection refused")
	errSelf = errors.New("ping from own address")
)

// fakeNet routes Transport calls straight into in-process engines.
type fakeNet struct {
	mu     sync.Mutex
	nodes  map[string]*Engine
	down   map[string]bool
	relays map[string]int // caller -> relay calls issued
	lists  map[string]int // callee -> list calls received
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		nodes:  map[string]*Engine{},
		down:   map[string]bool{},
		relays: map[string]int{},
		lists:  map[string]int{},
	}
}

type fakeTransport struct {
	net  *fakeNet
	from string
}

func (n *fakeNet) target(addr string) (*Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.nodes[addr]
	if !ok || n.down[addr] {
		return nil, fmt.Errorf("%s: %w", addr, errDown)
	}
	return e, nil
}

func (t fakeTransport) Ping(_ context.Context, peer, self string) error {
	e, err := t.net.target(peer)
	if err != nil {
		return err
	}
	res, err := e.Admit(self)
	if err != nil {
		return err
	}
	if res == peers.Rejected {
		return errSelf
	}
	return nil
}

func (t fakeTransport) Relay(ctx context.Context, peer string, env Envelope) error {
	t.net.mu.Lock()
	t.net.relays[t.from]++
	t.net.mu.Unlock()
	e, err := t.net.target(peer)
	if err != nil {
		return err
	}
	e.Relay(ctx, env)
	return nil
}

func (t fakeTransport) ListPeers(_ context.Context, peer string) ([]string, error) {
	t.net.mu.Lock()
	t.net.lists[peer]++
	t.net.mu.Unlock()
	e, err := t.net.target(peer)
	if err != nil {
		return nil, err
	}
	return e.Peers(), nil
}

func (n *fakeNet) add(t *testing.T, addr string, cfg Config) *Engine {
	t.Helper()
	cfg.Self = addr
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	e := New(cfg, fakeTransport{net: n, from: addr}, peers.NewDirectory(3), ledger.New(1024, 0))
	n.mu.Lock()
	n.nodes[addr] = e
	n.mu.Unlock()
	return e
}

func (n *fakeNet) kill(addr string) {
	n.mu.Lock()
	n.down[addr] = true
	n.mu.Unlock()
}

func (n *fakeNet) relayCalls(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relays[addr]
}

func sorted(xs []string) []string {
	out := append([]string(nil), xs...)
	sort.Strings(out)
	return out
}

const (
	addrA = "http://127.0.0.1:6970"
	addrB = "http://127.0.0.1:6971"
	addrC = "http://127.0.0.1:6972"
	addrD = "http://127.0.0.1:6973"
	addrE = "http://127.0.0.1:6974"
	addrF = "http://127.0.0.1:6975"
)

// chain builds A-{B,C}, C-{A,D}, D-{C,E} the same way the HTTP scenario does.
func chain(t *testing.T, cfg Config) (*fakeNet, map[string]*Engine) {
	t.Helper()
	n := newFakeNet()
	nodes := map[string]*Engine{}
	for _, a := range []string{addrA, addrB, addrC, addrD, addrE} {
		nodes[a] = n.add(t, a, cfg)
	}
	ctx := context.Background()

	res, err := nodes[addrA].Bootstrap(ctx, []string{addrB, addrC, addrF})
	require.NoError(t, err)
	require.Equal(t, []string{addrB, addrC}, res.Succeeded)
	require.Equal(t, []string{addrF}, res.Failed)

	_, err = nodes[addrC].Bootstrap(ctx, []string{addrD})
	require.NoError(t, err)
	_, err = nodes[addrD].Bootstrap(ctx, []string{addrE})
	require.NoError(t, err)
	return n, nodes
}

func TestBootstrapBuildsChain(t *testing.T) {
	_, nodes := chain(t, Config{})

	require.Equal(t, []string{addrB, addrC}, nodes[addrA].Peers())
	require.Equal(t, []string{addrA}, nodes[addrB].Peers())
	require.Equal(t, []string{addrA, addrD}, nodes[addrC].Peers())
	require.Equal(t, []string{addrC, addrE}, nodes[addrD].Peers())
	require.Equal(t, []string{addrD}, nodes[addrE].Peers())
}

func TestBootstrapDedupesAndNormalizes(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	n.add(t, addrB, Config{})

	res, err := a.Bootstrap(context.Background(), []string{
		"127.0.0.1:6971", addrB, addrB + "/", addrF, addrF,
	})
	require.NoError(t, err)
	require.Equal(t, []string{addrB}, res.Succeeded)
	require.Equal(t, []string{addrF}, res.Failed)
}

func TestBootstrapRejectsMalformedInput(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})

	_, err := a.Bootstrap(context.Background(), []string{addrB, "ftp://x"})
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Empty(t, a.Peers())
}

func TestBootstrapRequiresSelf(t *testing.T) {
	e := New(Config{}, fakeTransport{net: newFakeNet()}, peers.NewDirectory(3), ledger.New(8, 0))
	_, err := e.Bootstrap(context.Background(), []string{addrB})
	require.ErrorIs(t, err, ErrSelfUnknown)
	_, err = e.Exchange(context.Background())
	require.ErrorIs(t, err, ErrSelfUnknown)
}

func TestBootstrapSelfIsNeverAdmitted(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})

	res, err := a.Bootstrap(context.Background(), []string{addrA})
	require.NoError(t, err)
	require.Equal(t, []string{addrA}, res.Failed, "pinging self is attempted and refused")
	require.False(t, a.Directory().Contains(addrA))
}

func TestBootstrapSelfAliasIsNeverAdmitted(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	// another name routing to the same engine
	const alias = "http://localhost:6970"
	n.mu.Lock()
	n.nodes[alias] = a
	n.mu.Unlock()

	res, err := a.Bootstrap(context.Background(), []string{alias})
	require.NoError(t, err)
	require.Equal(t, []string{alias}, res.Failed)
	require.Empty(t, a.Peers())
	require.Empty(t, a.Relay(context.Background(), MustEnvelope("to myself")))
}

func TestBootstrapFailureCostsKnownPeerLiveness(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	n.add(t, addrB, Config{})

	_, err := a.Bootstrap(context.Background(), []string{addrB})
	require.NoError(t, err)
	n.kill(addrB)

	_, _ = a.Bootstrap(context.Background(), []string{addrB})
	left, ok := a.Directory().Liveness(addrB)
	require.True(t, ok)
	require.Equal(t, 2, left)
}

func TestRelayFloodsOnceAndDedups(t *testing.T) {
	_, nodes := chain(t, Config{})

	var delivered sync.Map
	for addr, e := range nodes {
		var count atomic.Int32
		delivered.Store(addr, &count)
		e.deliver = func(context.Context, Envelope) { count.Add(1) }
	}

	msg := MustEnvelope(map[string]any{"message": "Hello, World!", "timestamp": 1234567890})
	got := nodes[addrA].Relay(context.Background(), msg)
	require.Equal(t, sorted([]string{addrB, addrC}), sorted(got))

	for addr, e := range nodes {
		require.Empty(t, e.Relay(context.Background(), msg), "second relay from %s", addr)
		c, _ := delivered.Load(addr)
		require.Equal(t, int32(1), c.(*atomic.Int32).Load(), "deliveries at %s", addr)
	}
}

func TestRelayDedupIgnoresKeyOrderAndWhitespace(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})

	e1, err := ParseEnvelope([]byte(`{"message":"hi","timestamp":1}`))
	require.NoError(t, err)
	e2, err := ParseEnvelope([]byte("{ \"timestamp\": 1,\n \"message\": \"hi\" }"))
	require.NoError(t, err)

	a.Relay(context.Background(), e1)
	require.True(t, a.Ledger().Contains(e2.Digest().String()))
}

func TestRelayFanoutBound(t *testing.T) {
	n := newFakeNet()
	hub := n.add(t, "http://hub:1", Config{Fanout: 3})
	var addrs []string
	for i := range 10 {
		addr := fmt.Sprintf("http://leaf:%d", i+1)
		n.add(t, addr, Config{})
		addrs = append(addrs, addr)
	}
	_, err := hub.Bootstrap(context.Background(), addrs)
	require.NoError(t, err)
	require.Len(t, hub.Peers(), 10)

	for i := range 20 {
		before := n.relayCalls("http://hub:1")
		got := hub.Relay(context.Background(), MustEnvelope(map[string]int{"n": i}))
		require.Len(t, got, 3)
		require.Equal(t, 3, n.relayCalls("http://hub:1")-before)
		for _, p := range got {
			require.Contains(t, addrs, p)
		}
	}
}

func TestRelayWithFewerPeersThanFanout(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{Fanout: 5})
	n.add(t, addrB, Config{})
	_, err := a.Bootstrap(context.Background(), []string{addrB})
	require.NoError(t, err)

	got := a.Relay(context.Background(), MustEnvelope("x"))
	require.Equal(t, []string{addrB}, got)

	lonely := n.add(t, addrC, Config{})
	require.Empty(t, lonely.Relay(context.Background(), MustEnvelope("y")))
}

func TestRelayEvictsAfterThreeFailures(t *testing.T) {
	n, nodes := chain(t, Config{})
	d := nodes[addrD]
	n.kill(addrE)

	for i := range 3 {
		require.True(t, d.Directory().Contains(addrE), "evicted before failure %d", i+1)
		nodes[addrA].Relay(context.Background(), MustEnvelope(map[string]string{"msg": fmt.Sprintf("test %d", i+1)}))
	}
	require.Equal(t, []string{addrC}, d.Peers())
}

func TestRelaySuccessRestoresLiveness(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	n.add(t, addrB, Config{})
	_, err := a.Bootstrap(context.Background(), []string{addrB})
	require.NoError(t, err)

	n.kill(addrB)
	a.Relay(context.Background(), MustEnvelope(1))
	a.Relay(context.Background(), MustEnvelope(2))
	left, _ := a.Directory().Liveness(addrB)
	require.Equal(t, 1, left)

	n.mu.Lock()
	n.down[addrB] = false
	n.mu.Unlock()
	require.Equal(t, []string{addrB}, a.Relay(context.Background(), MustEnvelope(3)))
	left, _ = a.Directory().Liveness(addrB)
	require.Equal(t, 3, left)
}

func TestConcurrentDuplicateRelayDeliversOnce(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	var count atomic.Int32
	a.deliver = func(context.Context, Envelope) { count.Add(1) }

	msg := MustEnvelope(map[string]string{"k": "v"})
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Relay(context.Background(), msg)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), count.Load())
}

func TestExchangeDiscoversPeersOfPeers(t *testing.T) {
	_, nodes := chain(t, Config{})
	b := nodes[addrB]

	res, err := b.Exchange(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{addrC}, res.Succeeded)
	require.Empty(t, res.Failed)
	require.Equal(t, []string{addrA, addrC}, b.Peers())
	require.True(t, nodes[addrC].Directory().Contains(addrB), "probe announces the prober")
}

func TestExchangeReportsDeadCandidatesAndKeepsLiveness(t *testing.T) {
	n, nodes := chain(t, Config{})
	n.kill(addrE)

	// C knows A and D; D lists C and E; E is dead.
	res, err := nodes[addrC].Exchange(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{addrB}, res.Succeeded)
	require.ElementsMatch(t, []string{addrE}, res.Failed)

	// A dead peer being queried does not cost it liveness.
	n.kill(addrD)
	_, err = nodes[addrC].Exchange(context.Background())
	require.NoError(t, err)
	left, ok := nodes[addrC].Directory().Liveness(addrD)
	require.True(t, ok)
	require.Equal(t, 3, left)
}

func TestExchangeQueriesAtMostSamplePeers(t *testing.T) {
	n := newFakeNet()
	hub := n.add(t, "http://hub:1", Config{Sample: 2})
	var addrs []string
	for i := range 6 {
		addr := fmt.Sprintf("http://leaf:%d", i+1)
		n.add(t, addr, Config{})
		addrs = append(addrs, addr)
	}
	_, err := hub.Bootstrap(context.Background(), addrs)
	require.NoError(t, err)

	_, err = hub.Exchange(context.Background())
	require.NoError(t, err)

	n.mu.Lock()
	total := 0
	for _, c := range n.lists {
		total += c
	}
	n.mu.Unlock()
	require.Equal(t, 2, total)
}

func TestExchangeTakesAtMostSampleFromEachReply(t *testing.T) {
	n := newFakeNet()
	hub := n.add(t, "http://hub:1", Config{Sample: 2})
	src := n.add(t, "http://src:1", Config{})
	for i := range 6 {
		addr := fmt.Sprintf("http://leaf:%d", i+1)
		n.add(t, addr, Config{})
		src.Directory().Admit(addr)
	}
	hub.Directory().Admit("http://src:1")
	require.Len(t, src.Peers(), 6)

	res, err := hub.Exchange(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 2)
	require.Empty(t, res.Failed)
	require.Len(t, hub.Peers(), 3)
	for _, p := range res.Succeeded {
		require.Contains(t, src.Peers(), p)
	}
}

func TestRelayHopBoundedByCallerDeadline(t *testing.T) {
	n := newFakeNet()
	e := n.add(t, addrA, Config{Timeout: time.Minute})

	require.Equal(t, time.Minute, e.hopTimeout(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	got := e.hopTimeout(ctx)
	require.Greater(t, got, time.Duration(0))
	require.LessOrEqual(t, got, 300*time.Millisecond)
}

func TestRelayWithExhaustedBudgetDeliversWithoutForwarding(t *testing.T) {
	n := newFakeNet()
	a := n.add(t, addrA, Config{})
	n.add(t, addrB, Config{})
	_, err := a.Bootstrap(context.Background(), []string{addrB})
	require.NoError(t, err)
	var count atomic.Int32
	a.deliver = func(context.Context, Envelope) { count.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)
	require.Empty(t, a.Relay(ctx, MustEnvelope("late")))
	require.Equal(t, int32(1), count.Load())
	require.Equal(t, 0, n.relayCalls(addrA))
	left, _ := a.Directory().Liveness(addrB)
	require.Equal(t, 3, left, "an unforwarded relay costs nobody liveness")
}

func TestPinSelfKeepsFirstAddress(t *testing.T) {
	e := New(Config{}, fakeTransport{net: newFakeNet()}, peers.NewDirectory(3), ledger.New(8, 0))

	self, err := e.PinSelf("127.0.0.1:6970")
	require.NoError(t, err)
	require.Equal(t, addrA, self)

	self, err = e.PinSelf("http://localhost:6970")
	require.NoError(t, err)
	require.Equal(t, addrA, self)
	require.Equal(t, addrA, e.Self())

	_, err = e.PinSelf("ftp://x")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPartitionJSON(t *testing.T) {
	b, err := Partition{}.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `[[],[]]`, string(b))

	var p Partition
	require.NoError(t, p.UnmarshalJSON([]byte(`[["a"],["b","c"]]`)))
	require.Equal(t, []string{"a"}, p.Succeeded)
	require.Equal(t, []string{"b", "c"}, p.Failed)
}
