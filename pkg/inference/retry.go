package inference

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// retrier performs requests with linear backoff on 429 and 5xx.
type retrier struct {
	http       *http.Client
	maxRetries int
	delay      time.Duration
	provider   string
	logger     *slog.Logger
	parseError func(*http.Response) error
}

// do sends the request built by newReq, rebuilding it for every attempt.
// The caller owns the returned response body.
func (r *retrier) do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.delay * time.Duration(attempt)):
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, WrapError(r.provider, err)
		}

		resp, err := r.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(r.provider, err)
			r.logger.Warn("request failed, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = r.parseError(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			r.logger.Warn("retrying request",
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
