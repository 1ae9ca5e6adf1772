package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legato/pkg/models"
)

// ErrExtractionTimeout is returned when an extractor misses its deadline.
var ErrExtractionTimeout = errors.New("metadata extraction timed out")

// Extractor reads tags and technical properties from one audio file.
type Extractor interface {
	Extract(ctx context.Context, path string) (models.TrackMetadata, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, path string) (models.TrackMetadata, error)

// Extract calls f(ctx, path).
func (f ExtractorFunc) Extract(ctx context.Context, path string) (models.TrackMetadata, error) {
	return f(ctx, path)
}

// maxInFlight caps wrapped extractions still running, abandoned ones included.
const maxInFlight = 64

type timeoutExtractor struct {
	next    Extractor
	timeout time.Duration
	slots   chan struct{}
}

// WithTimeout bounds every extraction by d. On deadline it returns an empty
// record and ErrExtractionTimeout without waiting for the wrapped extractor.
// An abandoned extraction keeps running until the wrapped extractor returns.
// At most 64 wrapped calls run at once; when all of them hang, later calls
// wait for a free slot and time out the same way.
func WithTimeout(ex Extractor, d time.Duration) Extractor {
	return withTimeout(ex, d, maxInFlight)
}

func withTimeout(ex Extractor, d time.Duration, limit int) Extractor {
	if d <= 0 {
		return ex
	}
	return &timeoutExtractor{next: ex, timeout: d, slots: make(chan struct{}, limit)}
}

type extractResult struct {
	meta models.TrackMetadata
	err  error
}

func (t *timeoutExtractor) Extract(ctx context.Context, path string) (models.TrackMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return models.TrackMetadata{}, t.expired(ctx, path)
	}

	done := make(chan extractResult, 1)
	go func() {
		defer func() { <-t.slots }()
		meta, err := t.next.Extract(ctx, path)
		done <- extractResult{meta: meta, err: err}
	}()

	select {
	case r := <-done:
		return r.meta, r.err
	case <-ctx.Done():
		return models.TrackMetadata{}, t.expired(ctx, path)
	}
}

func (t *timeoutExtractor) expired(ctx context.Context, path string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s", ErrExtractionTimeout, t.timeout, path)
	}
	return ctx.Err()
}
