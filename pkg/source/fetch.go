package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// HTTPFetcher downloads operators over HTTP(S), retrying transient failures.
type HTTPFetcher struct {
	Client         *http.Client
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBytes       int64
	Logger         *zap.Logger
}

// DefaultHTTPFetcher returns an HTTPFetcher with a 30s client timeout,
// 3 attempts and a 16 MiB size limit.
func DefaultHTTPFetcher(logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		Client:         &http.Client{Timeout: 30 * time.Second},
		MaxTries:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBytes:       16 << 20,
		Logger:         logger,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, targetPath string) error {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	tries := f.MaxTries
	if tries == 0 {
		tries = 1
	}

	policy := backoff.NewExponentialBackOff()
	if f.InitialBackoff > 0 {
		policy.InitialInterval = f.InitialBackoff
	}

	attempt := 0
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		body, err := f.get(ctx, client, rawURL)
		if err != nil {
			logger.Warn("Operator download attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return body, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
	if err != nil {
		return err
	}

	return writeFileAtomic(targetPath, data)
}

func (f *HTTPFetcher) get(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}

	reader := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, backoff.Permanent(fmt.Errorf("operator source exceeds %d bytes", f.MaxBytes))
	}
	return data, nil
}

// SchemeFetcher routes fetches to a Fetcher registered for the URL scheme.
type SchemeFetcher map[string]Fetcher

// Fetch implements Fetcher.
func (s SchemeFetcher) Fetch(ctx context.Context, rawURL, targetPath string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid source URL: %w", err)
	}
	fetcher, ok := s[strings.ToLower(u.Scheme)]
	if !ok {
		return fmt.Errorf("no fetcher registered for scheme %q", u.Scheme)
	}
	return fetcher.Fetch(ctx, rawURL, targetPath)
}
