package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether a session's derived network address answers.
// Readiness requires both the Running phase and a successful probe.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes the session URL with a plain GET. Any HTTP response
// counts as reachable, whatever the status: routing and DNS propagation may
// lag the pod, so only transport-level failures mean "not there yet".
type HTTPProber struct {
	httpClient *http.Client
}

// NewHTTPProber creates a new HTTPProber.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session not reachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
