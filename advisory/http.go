package advisory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// Browser-like agents, rotated per request; search pages block obvious bots.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:115.0) Gecko/20100101 Firefox/115.0",
}

const maxAttempts = 3

// retryDelay is the first backoff step; it doubles on each retry.
var retryDelay = time.Second

func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// get issues a GET, retrying on transport errors and on the statuses retryOn
// accepts. The caller closes the returned body.
func get(ctx context.Context, client *http.Client, rawURL string, header http.Header, retryOn func(int) bool) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	delay := retryDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", randomUserAgent())
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case retryOn != nil && retryOn(resp.StatusCode) && attempt < maxAttempts:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		default:
			return resp, nil
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func retryServerErrors(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
