package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

const (
	defaultUpstreamAttempts = 3
	maxUpstreamBody         = 8 << 20
)

// Upstream performs outbound API calls for handlers. Transient failures are
// retried here, before a payload exists, so the signing path never retries.
type Upstream struct {
	Client      *http.Client
	MaxAttempts uint64
	// InitialInterval of the exponential backoff; zero uses the library default.
	InitialInterval time.Duration
	Logger          *shared.Logger
}

func (u *Upstream) client() *http.Client {
	if u == nil || u.Client == nil {
		return http.DefaultClient
	}
	return u.Client
}

func (u *Upstream) logger() *shared.Logger {
	if u == nil || u.Logger == nil {
		return shared.NopLogger()
	}
	return u.Logger
}

func (u *Upstream) backoff(ctx context.Context) backoff.BackOff {
	attempts := uint64(defaultUpstreamAttempts)
	if u != nil && u.MaxAttempts > 0 {
		attempts = u.MaxAttempts
	}
	eb := backoff.NewExponentialBackOff()
	if u != nil && u.InitialInterval > 0 {
		eb.InitialInterval = u.InitialInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, attempts-1), ctx)
}

// upstreamStatusError is returned for non-2xx responses.
type upstreamStatusError struct {
	Status int
	Body   string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// Do sends method/url with body and returns the response body of the first
// 2xx reply. 5xx, 429 and transport errors are retried; other statuses are not.
func (u *Upstream) Do(ctx context.Context, method, rawURL string, body []byte, header http.Header) ([]byte, error) {
	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := u.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &upstreamStatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return serr
			}
			return backoff.Permanent(serr)
		}
		out = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		u.logger().WarnIf("Upstream call failed, retrying",
			zap.String("host", hostOf(rawURL)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, u.backoff(ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}

// hostOf keeps API keys carried in query strings out of the logs.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
