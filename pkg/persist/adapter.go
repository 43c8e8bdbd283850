// Package persist implements the snapshot persistence adapter: the bridge
// between an in-memory binary document state and the relational snapshot
// store. It normalizes the store's historical column encodings on fetch and
// writes the single canonical encoding on store.
package persist

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quillsync/quillsync/pkg/codec"
	"github.com/quillsync/quillsync/pkg/errclass"
	"github.com/quillsync/quillsync/pkg/store"
)

// Hooks is the surface the collaboration engine drives: one fetch at session
// open, one store per persisted mutation. found=false means "no snapshot,
// start from an empty document" and covers a missing row, a null column, and
// an undecodable legacy column alike.
type Hooks interface {
	OnFetch(ctx context.Context, docID string) (state []byte, found bool, err error)
	OnStore(ctx context.Context, docID string, state []byte) error
}

// Option configures the Adapter at construction time.
type Option func(*Adapter)

// WithClock overrides the timestamp source for stored rows.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger. Decode branches are logged at debug; fail-open
// demotions of malformed rows are logged at warn so corruption is visible.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithStrictDecode surfaces an undecodable-but-present column as a fetch
// failure instead of demoting it to absence.
func WithStrictDecode() Option {
	return func(a *Adapter) { a.strictDecode = true }
}

// WithRetry enables bounded retry with exponential backoff for store round
// trips. attempts counts total tries; backoff is the delay before the first
// retry and doubles on each subsequent one. Safe because the write path is
// an idempotent upsert.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(a *Adapter) {
		if attempts > 1 {
			a.attempts = attempts
		}
		if backoff > 0 {
			a.backoff = backoff
		}
	}
}

// Adapter implements Hooks over a store.SnapshotStore. It holds no
// per-document state, so unbounded concurrent use across distinct document
// identifiers is safe; callers serialize calls for any single document.
type Adapter struct {
	st  store.SnapshotStore
	now func() time.Time
	log *zap.Logger

	strictDecode bool
	attempts     int
	backoff      time.Duration
}

// New constructs an Adapter over st. By default there is no automatic
// retry, the clock is time.Now, and logging is off.
func New(st store.SnapshotStore, opts ...Option) *Adapter {
	a := &Adapter{
		st:       st,
		now:      time.Now,
		log:      zap.NewNop(),
		attempts: 1,
		backoff:  50 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnFetch retrieves and decodes the snapshot for docID.
//
// A missing row, a null/empty column, and (unless strict decode is enabled)
// a malformed column all report found=false with a nil error: every one of
// those states is safe to recover from by starting empty. Only a failed
// store round trip reports a non-nil error.
func (a *Adapter) OnFetch(ctx context.Context, docID string) ([]byte, bool, error) {
	tr := otel.Tracer("persist/adapter")
	ctx, span := tr.Start(ctx, "Adapter.OnFetch", trace.WithAttributes(
		attribute.String("doc.id", docID),
	))
	defer span.End()

	raw, err := a.getWithRetry(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		span.SetAttributes(attribute.String("fetch.outcome", "not_found"))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("fetch.outcome", "failed"))
		return nil, false, classify(err, docID)
	}

	data, format, ok := codec.Decode(raw.State)
	if !ok {
		// format is non-empty when a detector claimed the value but its
		// content was unrecoverable; empty means the column was null/empty.
		if format != "" {
			if a.strictDecode {
				span.SetAttributes(attribute.String("fetch.outcome", "failed"))
				return nil, false, errclass.Encoding("undecodable_snapshot",
					"snapshot column present but undecodable",
					map[string]any{"doc_id": docID, "format": format})
			}
			a.log.Warn("undecodable snapshot column, starting empty",
				zap.String("doc_id", docID),
				zap.String("format", format))
			span.AddEvent("fail_open", trace.WithAttributes(
				attribute.String("decode.format", format),
			))
		}
		span.SetAttributes(attribute.String("fetch.outcome", "not_found"))
		return nil, false, nil
	}

	a.log.Debug("fetched snapshot",
		zap.String("doc_id", docID),
		zap.String("format", format),
		zap.Int("bytes", len(data)))
	span.SetAttributes(
		attribute.String("fetch.outcome", "found"),
		attribute.String("decode.format", format),
		attribute.Int("snapshot.bytes", len(data)),
	)
	return data, true, nil
}

// OnStore encodes and upserts the snapshot for docID, stamping the row with
// a fresh timestamp. Upsert errors are surfaced, never swallowed: a failed
// save must be visible to the collaboration engine.
func (a *Adapter) OnStore(ctx context.Context, docID string, state []byte) error {
	tr := otel.Tracer("persist/adapter")
	ctx, span := tr.Start(ctx, "Adapter.OnStore", trace.WithAttributes(
		attribute.String("doc.id", docID),
		attribute.Int("snapshot.bytes", len(state)),
	))
	defer span.End()

	snap := store.EncodedSnapshot{
		DocID:     docID,
		State:     codec.Encode(state),
		UpdatedAt: a.now().UTC(),
	}
	if err := a.upsertWithRetry(ctx, snap); err != nil {
		span.RecordError(err)
		a.log.Error("snapshot store failed",
			zap.String("doc_id", docID),
			zap.Int("bytes", len(state)),
			zap.Error(err))
		return classify(err, docID)
	}
	a.log.Debug("stored snapshot",
		zap.String("doc_id", docID),
		zap.Int("bytes", len(state)))
	return nil
}

func (a *Adapter) getWithRetry(ctx context.Context, docID string) (store.RawSnapshot, error) {
	var raw store.RawSnapshot
	err := a.withRetry(ctx, func() error {
		var err error
		raw, err = a.st.Get(ctx, docID)
		return err
	})
	return raw, err
}

func (a *Adapter) upsertWithRetry(ctx context.Context, snap store.EncodedSnapshot) error {
	return a.withRetry(ctx, func() error {
		return a.st.Upsert(ctx, snap)
	})
}

// withRetry runs op up to a.attempts times, backing off exponentially
// between tries. Not-found and context errors are never retried.
func (a *Adapter) withRetry(ctx context.Context, op func() error) error {
	delay := a.backoff
	var err error
	for i := 0; i < a.attempts; i++ {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
			delay *= 2
		}
		if err = op(); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errclass.IsCategory(err, errclass.CategoryFatal):
		return false
	}
	return true
}

// classify wraps a store round-trip error with its retryability category.
// Context expiry counts as transient: the store may well be healthy.
func classify(err error, docID string) error {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errclass.Transient("store_timeout", "store round trip expired",
			map[string]any{"doc_id": docID}, err)
	}
	return errclass.New(errclass.CategorySystem, "store_error", "store round trip failed",
		map[string]any{"doc_id": docID}, err)
}
