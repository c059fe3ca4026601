package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ryandielhenn/rumord/pkg/gossip"
)

// Paths of the inbound RPC surface served by pkg/node.
const (
	PathPing      = "/ping"
	PathBootstrap = "/bootstrap"
	PathNodes     = "/nodes"
	PathRelay     = "/relay"
	PathSharing   = "/node-sharing"
)

// HeaderBudget carries the milliseconds the caller will wait for a relay
// reply. The receiver bounds its own fan-out by it.
const HeaderBudget = "X-Relay-Budget"

// maxReply caps how much of a peer's reply is read.
const maxReply = 1 << 20

// StatusError is a reply from a peer with a non-2xx status.
type StatusError struct {
	Peer   string
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: peer replied %d %s", e.Op, e.Peer, e.Status, http.StatusText(e.Status))
}

// PingRequest is the body of a ping.
type PingRequest struct {
	Node string `json:"node"`
}

type Options struct {
	// Timeout bounds a whole call when the caller's context has no deadline.
	Timeout time.Duration
	// SOCKS5 routes every call through the given proxy (host:port).
	SOCKS5 string
}

// HTTP implements gossip.Transport over JSON/HTTP.
type HTTP struct {
	client *http.Client
}

var _ gossip.Transport = (*HTTP)(nil)

func NewHTTP(opts Options) (*HTTP, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = gossip.DefaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4

	if opts.SOCKS5 != "" {
		dialer, err := proxy.SOCKS5("tcp", opts.SOCKS5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", opts.SOCKS5, err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy %s: dialer has no context support", opts.SOCKS5)
		}
		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	}

	return &HTTP{client: &http.Client{Transport: tr, Timeout: opts.Timeout}}, nil
}

func (h *HTTP) Ping(ctx context.Context, peer, self string) error {
	body, err := json.Marshal(PingRequest{Node: self})
	if err != nil {
		return err
	}
	return h.call(ctx, http.MethodPost, peer, PathPing, body, nil)
}

func (h *HTTP) Relay(ctx context.Context, peer string, env gossip.Envelope) error {
	return h.call(ctx, http.MethodPost, peer, PathRelay, env.Bytes(), nil)
}

func (h *HTTP) ListPeers(ctx context.Context, peer string) ([]string, error) {
	var out []string
	if err := h.call(ctx, http.MethodGet, peer, PathNodes, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Budget returns the wait announced by the sender of a relay request.
func Budget(r *http.Request) (time.Duration, bool) {
	ms, err := strconv.ParseInt(r.Header.Get(HeaderBudget), 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (h *HTTP) call(ctx context.Context, method, peer, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, peer+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if path == PathRelay {
		if dl, ok := ctx.Deadline(); ok {
			req.Header.Set(HeaderBudget, strconv.FormatInt(time.Until(dl).Milliseconds(), 10))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	lr := io.LimitReader(resp.Body, maxReply)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, lr)
		return &StatusError{Peer: peer, Op: path, Status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, lr)
		return nil
	}
	if err := json.NewDecoder(lr).Decode(out); err != nil {
		return fmt.Errorf("%s %s: malformed reply: %w", path, peer, err)
	}
	return nil
}
