package embedder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError marks a provider failure that is worth retrying: rate
// limiting, server-side errors, timeouts and dropped connections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusError builds the error for a non-2xx provider response, marking
// 429 and 5xx as transient.
func statusError(provider string, code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := fmt.Errorf("%s embedder: HTTP %d: %s", provider, code, msg)
	if code == http.StatusTooManyRequests || code >= 500 {
		return Transient(err)
	}
	return err
}

// requestError classifies a failed HTTP round trip. Caller cancellation is
// returned as-is; everything else is a network fault and transient.
func requestError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s embedder: %w", provider, ctx.Err())
	}
	return Transient(fmt.Errorf("%s embedder: request failed: %w", provider, err))
}
