package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPProber checks reachability with a GET against a health URL. Any HTTP
// response below 500 counts as online; transport errors count as offline.
type HTTPProber struct {
	URL         string
	Client      *http.Client
	NetworkType NetworkType
}

// NewHTTPProber creates a prober with a short request timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{
		URL:         url,
		Client:      &http.Client{Timeout: timeout},
		NetworkType: NetworkUnknown,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Offline()
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		// A DNS or dial failure means no usable link; anything else (timeouts,
		// resets) means a link without a reachable server.
		var dnsErr *net.DNSError
		var opErr *net.OpError
		if errors.As(err, &dnsErr) || (errors.As(err, &opErr) && opErr.Op == "dial") {
			return Offline()
		}
		return State{IsConnected: true, NetworkType: p.NetworkType}
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return State{IsConnected: true, NetworkType: p.NetworkType}
	}
	return Online(p.NetworkType)
}

// StaticProber always reports the same state. It backs the memory remote and
// the CLI's --assume-online flag.
type StaticProber struct {
	State State
}

// Probe implements Prober.
func (p StaticProber) Probe(ctx context.Context) State {
	return p.State
}
