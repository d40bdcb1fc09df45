// Package recorder persists the side effects of a successful match: the
// identity's scan statistics and an entry in its scan history.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// ErrStoreWrite wraps every failed write.
var ErrStoreWrite = errors.New("scan record write failed")

// Method tags for ScanEvent.
const (
	MethodLive  = "live"
	MethodImage = "image"
)

// Store is the write side of the identity store the recorder needs.
type Store interface {
	UpdateStats(ctx context.Context, id int64, scanCount int, lastSeen time.Time) error
	AppendHistory(ctx context.Context, ev types.ScanEvent) error
}

// AtomicStore can apply the stats update and the history append in one
// transaction. Stores implementing it are preferred.
type AtomicStore interface {
	RecordScan(ctx context.Context, ev types.ScanEvent) (int, error)
}

// Incrementer bumps scan_count inside the store and returns the new value.
// Without it the recorder derives the count from the cache.
type Incrementer interface {
	IncrementStats(ctx context.Context, id int64, lastSeen time.Time) (int, error)
}

// Cache mirrors scan statistics in memory. *registry.Registry implements it.
type Cache interface {
	Lookup(id int64) (types.IdentityRecord, bool)
	UpdateStats(id int64, scanCount int, lastSeen time.Time) bool
}

// Context describes where a scan came from.
type Context struct {
	Method string
	Source string
}

// Recorder is safe for concurrent use if its Store is.
type Recorder struct {
	store   Store
	cache   Cache
	logger  *slog.Logger
	errSink func(error)
	now     func() time.Time
}

type Option func(*Recorder)

// WithErrorSink receives every write failure after it is logged.
func WithErrorSink(fn func(error)) Option {
	return func(r *Recorder) { r.errSink = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(store Store, cache Cache, logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{store: store, cache: cache, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes a scan for a matched result. Anything other than Matched is a
// no-op. Failures are logged, handed to the error sink and returned wrapped in
// ErrStoreWrite.
func (r *Recorder) Record(ctx context.Context, res types.MatchResult, sc Context) error {
	if res.Status != types.Matched {
		return nil
	}

	ev := types.ScanEvent{
		IdentityID: res.IdentityID,
		Confidence: res.Confidence,
		Timestamp:  r.now().UTC(),
		Method:     sc.Method,
		Source:     sc.Source,
	}

	count, err := r.write(ctx, ev)
	if err != nil {
		err = fmt.Errorf("%w: identity %d: %v", ErrStoreWrite, res.IdentityID, err)
		r.logger.Error("failed to record scan", "identity", res.IdentityID, "name", res.Name, "error", err)
		if r.errSink != nil {
			r.errSink(err)
		}
		return err
	}

	if r.cache != nil {
		r.cache.UpdateStats(res.IdentityID, count, ev.Timestamp)
	}
	r.logger.Debug("scan recorded", "identity", res.IdentityID, "name", res.Name, "scan_count", count, "confidence", res.Confidence)
	return nil
}

func (r *Recorder) write(ctx context.Context, ev types.ScanEvent) (int, error) {
	if atomic, ok := r.store.(AtomicStore); ok {
		return atomic.RecordScan(ctx, ev)
	}

	// Without a transaction the stats go first; a failed history append is
	// reported as a partial write.
	count, err := r.bumpStats(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("update stats: %w", err)
	}
	if err := r.store.AppendHistory(ctx, ev); err != nil {
		return 0, fmt.Errorf("partial write, stats updated but history append failed: %w", err)
	}
	return count, nil
}

// bumpStats never writes a count it cannot derive from the stored one.
func (r *Recorder) bumpStats(ctx context.Context, ev types.ScanEvent) (int, error) {
	if inc, ok := r.store.(Incrementer); ok {
		return inc.IncrementStats(ctx, ev.IdentityID, ev.Timestamp)
	}
	var (
		rec types.IdentityRecord
		ok  bool
	)
	if r.cache != nil {
		rec, ok = r.cache.Lookup(ev.IdentityID)
	}
	if !ok {
		return 0, fmt.Errorf("no cached scan_count for identity %d", ev.IdentityID)
	}
	count := rec.ScanCount + 1
	if err := r.store.UpdateStats(ctx, ev.IdentityID, count, ev.Timestamp); err != nil {
		return 0, err
	}
	return count, nil
}
