package stream

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"streamreader/internal/ratelimit"
)

const (
	// DefaultReadaheadSize is the initial and post-reset prefetch window.
	DefaultReadaheadSize = 512 * 1024
	// MaxReadaheadSize is the ceiling the prefetch window doubles towards.
	MaxReadaheadSize = 32 * 1024 * 1024
	// resetCooldown is how long tryReadahead stays quiet after a reset,
	// giving cache pressure time to subside.
	resetCooldown = time.Minute
)

// acquireFunc launches a readahead acquisition starting at offset for up to
// size bytes, in the same vein as getBlocks but with no upper offset bound.
// It returns the pinned entries (for release once their loads settle) and
// the end offset of the furthest entry acquired, or ok=false if none were.
type acquireFunc func(ctx context.Context, offset int64, size int) (entries []*pinnedEntry, furthestEnd int64, ok bool, err error)

// readaheadController is the state machine of spec.md §4.5: it decides
// when to prefetch, how far, and with what window size, and resets under
// cache-eviction pressure signaled by handleBlockFree.
type readaheadController struct {
	mu sync.Mutex

	nextOffset     int64
	size           int
	markOffset     int64
	requireReset   bool
	resetTimestamp time.Time
	inflight       bool

	warnGate *ratelimit.Gate
	acquire  acquireFunc
}

func newReadaheadController(acquire acquireFunc) *readaheadController {
	return &readaheadController{
		size:     DefaultReadaheadSize,
		warnGate: ratelimit.New(10 * time.Second),
		acquire:  acquire,
	}
}

// reset arms a cooldown: the next tryReadahead call will restart from
// scratch at DefaultReadaheadSize, and no readahead launches for
// resetCooldown. Called from handleBlockFree when an unread prefetched
// block is evicted under pressure (spec.md §4.4/§9 S5).
func (rc *readaheadController) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.requireReset = true
	rc.resetTimestamp = time.Now()
}

// tryReadahead is called after every successful read, implementing the
// seven-step policy of spec.md §4.5 verbatim.
func (rc *readaheadController) tryReadahead(ctx context.Context, nextReadOffset int64) {
	rc.mu.Lock()

	if rc.inflight {
		rc.mu.Unlock()
		return
	}
	if time.Since(rc.resetTimestamp) < resetCooldown && !rc.resetTimestamp.IsZero() {
		rc.mu.Unlock()
		return
	}
	if rc.requireReset {
		rc.nextOffset = 0
		rc.markOffset = 0
		rc.size = DefaultReadaheadSize
		rc.requireReset = false
	}

	switch {
	case nextReadOffset >= rc.nextOffset:
		rc.nextOffset = nextReadOffset
		rc.size *= 2
		if rc.size > MaxReadaheadSize {
			rc.size = MaxReadaheadSize
		}
	case nextReadOffset <= rc.markOffset:
		rc.mu.Unlock()
		return
	default:
		// Consumer is between the mark and the frontier: proceed at the
		// current size without doubling.
	}

	rc.markOffset = rc.nextOffset
	launchOffset, launchSize := rc.nextOffset, rc.size
	rc.inflight = true
	rc.mu.Unlock()

	go rc.launch(ctx, launchOffset, launchSize)
}

// launch performs one readahead acquisition and folds its result back into
// the controller's state. Runs off the caller's goroutine so tryReadahead
// never blocks a read.
func (rc *readaheadController) launch(ctx context.Context, offset int64, size int) {
	entries, furthestEnd, ok, err := rc.acquire(ctx, offset, size)
	if err != nil {
		glog.V(1).Infof("streamreader: readahead from %d failed: %v", offset, err)
	}

	// Prefetch pins are transient: release every entry once its load
	// settles. The blocks themselves remain cached for later consumption.
	for _, e := range entries {
		e := e
		go func() {
			_ = e.wait(ctx)
			e.release()
		}()
	}

	rc.mu.Lock()
	if ok {
		rc.nextOffset = furthestEnd
	}
	rc.inflight = false
	rc.mu.Unlock()
}

func (rc *readaheadController) warn(format string, args ...interface{}) {
	if rc.warnGate.Allow() {
		glog.Warningf(format, args...)
	}
}
