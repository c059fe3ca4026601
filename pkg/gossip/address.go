package gossip

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const DefaultScheme = "http://"

var ErrInvalidAddress = errors.New("invalid peer address")

// NormalizeAddress turns addr into the scheme://host[:port] form used as the
// peer key. A bare host:port gets the http scheme. The host is lowercased and
// a port equal to the scheme's default is dropped, as is a trailing slash.
// Paths, queries and userinfo are rejected.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.Contains(addr, "://") {
		addr = DefaultScheme + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidAddress, addr, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, addr)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("%w: %q: unexpected path or query", ErrInvalidAddress, addr)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Host, ":"))
	if p := u.Port(); p != "" && p == defaultPorts[u.Scheme] {
		host = strings.TrimSuffix(host, ":"+p)
	}
	return u.Scheme + "://" + host, nil
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeAll normalizes every address and drops repeats, keeping the first
// occurrence. The first invalid address aborts with an error.
func NormalizeAll(addrs []string) ([]string, error) {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		n, err := NormalizeAddress(a)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}
