// ============================================================================
// Falcon Worker - Exception Throttle
// ============================================================================
//
// Package: internal/throttle
// File: throttle.go
// Purpose: Rate-limit diagnostic logging of repeated failures
//
// Classification:
//   not_found   - HTTP 401/403/404, gRPC NotFound/Unauthenticated/PermissionDenied
//   connection  - refused/reset dials, gRPC Unavailable
//   timeout     - deadline exceeded, net timeouts, gRPC DeadlineExceeded
//   <type>      - otherwise the concrete type of the innermost wrapped error
//
// Counting:
//   Each class owns a bucket in an expiring LRU cache. A bucket lives for one
//   window from its first occurrence; the first MaxPerWindow occurrences are
//   handed to the log callback, the rest are dropped until the bucket expires.
//   Beyond Capacity classes the least recently used bucket is evicted.
//
// ============================================================================

package throttle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classes shared by every transport.
const (
	ClassNotFound   = "not_found"
	ClassConnection = "connection"
	ClassTimeout    = "timeout"
)

// Defaults.
const (
	DefaultMaxPerWindow = 5
	DefaultWindow       = time.Minute
	DefaultCapacity     = 100
)

// StatusCoder is implemented by transport errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Config tunes the throttle.
type Config struct {
	MaxPerWindow int64
	Window       time.Duration
	Capacity     int
}

type bucket struct {
	count   atomic.Int64
	started time.Time
}

// Throttle suppresses repeated log emission per failure class.
type Throttle struct {
	cfg     Config
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
	dropped atomic.Int64
	now     func() time.Time
}

// New creates a Throttle, filling zero config values with defaults.
func New(cfg Config) *Throttle {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultMaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Throttle{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *bucket](cfg.Capacity, nil, cfg.Window),
		now:     time.Now,
	}
}

// ShouldLog counts err against its class and calls fn with the occurrence
// number while the class is under its per-window ceiling.
func (t *Throttle) ShouldLog(err error, fn func(count int64, err error)) {
	if err == nil {
		return
	}
	count := t.record(Classify(err))
	if count > t.cfg.MaxPerWindow {
		t.dropped.Add(1)
		return
	}
	fn(count, err)
}

func (t *Throttle) record(class string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets.Get(class)
	if !ok || now.Sub(b.started) >= t.cfg.Window {
		b = &bucket{started: now}
		t.buckets.Add(class, b)
	}
	return b.count.Add(1)
}

// Dropped returns how many occurrences were suppressed so far.
func (t *Throttle) Dropped() int64 { return t.dropped.Load() }

// Tracked returns the number of live classes.
func (t *Throttle) Tracked() int { return t.buckets.Len() }

// Classify buckets err into one of the shared classes or its type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case 401, 403, 404:
			return ClassNotFound
		}
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.NotFound, codes.Unauthenticated, codes.PermissionDenied:
			return ClassNotFound
		case codes.Unavailable:
			return ClassConnection
		case codes.DeadlineExceeded:
			return ClassTimeout
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ClassConnection
	}

	return fmt.Sprintf("%T", rootCause(err))
}

// rootCause follows single-error Unwrap chains to the innermost error.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
