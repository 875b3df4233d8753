package distribution

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const httpSendTimeout = 10 * time.Second

// httpDistributor POSTs each event as JSON to baseURL plus a kind-specific
// path. No batching.
type httpDistributor struct {
	name string
	cfg  Config

	client *http.Client
}

func newHTTPDistributor(cfg Config) *httpDistributor {
	return &httpDistributor{
		name:   cfg.Name,
		cfg:    cfg,
		client: &http.Client{Timeout: httpSendTimeout},
	}
}

func (d *httpDistributor) Name() string { return d.name }
func (d *httpDistributor) Kind() Kind   { return KindHTTP }

func (d *httpDistributor) Open(_ context.Context) error { return nil }

func (d *httpDistributor) Close(_ context.Context) error {
	d.client.CloseIdleConnections()

	return nil
}

func (d *httpDistributor) Send(eventKind string, payload []byte, _ SendOptions) (SendResult, error) {
	url := d.urlFor(eventKind)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("build http request for %s: %w", url, err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("http send to %s: %w", url, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return SendResult{}, fmt.Errorf("http send to %s: status %d", url, resp.StatusCode)
	}

	return SendResult{BytesSent: len(payload), ClientsReached: 1}, nil
}

func (d *httpDistributor) urlFor(eventKind string) string {
	base := strings.TrimRight(d.cfg.BaseURL, "/")

	if path, ok := d.cfg.PathByKind[eventKind]; ok {
		return base + path
	}

	return base + "/events/" + eventKind
}
