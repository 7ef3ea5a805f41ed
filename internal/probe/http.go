package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

const DefaultTimeout = 5 * time.Second

// bodyDrainLimit bounds how much of a response body is read so the
// connection can be reused.
const bodyDrainLimit = 64 << 10

type HTTPProber struct {
	Client *http.Client
	// Now is the clock used for CheckedAt; defaults to time.Now.
	Now func() time.Time
}

// NewHTTPProber returns a prober issuing one GET per probe with the given
// overall timeout. Redirects are followed (up to the net/http limit of 10).
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPProber{
		Client: &http.Client{Transport: transport, Timeout: timeout},
		Now:    time.Now,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, t domain.Target) domain.Measurement {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	down := func(reason string, status int) domain.Measurement {
		return domain.Measurement{
			TargetID:   t.ID,
			Up:         false,
			StatusCode: status,
			LatencyMS:  0,
			Reason:     reason,
			CheckedAt:  now().UTC(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return down(ReasonInvalidRequest, 0)
	}
	req.Header.Set("User-Agent", "uptimewatch/1.0")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return down(Classify(err), 0)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, bodyDrainLimit))
	latency := float64(time.Since(start).Microseconds()) / 1000

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return down(resp.Status, resp.StatusCode)
	}
	return domain.Measurement{
		TargetID:   t.ID,
		Up:         true,
		StatusCode: resp.StatusCode,
		LatencyMS:  latency,
		Reason:     resp.Status,
		CheckedAt:  now().UTC(),
	}
}
