// Package allocator issues workorder identifiers from per-namespace counter
// files. Each (feature, category) namespace owns one counter file guarded by an
// advisory file lock, so independent processes sharing a workspace observe a
// gapless, unique sequence.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"workorder/internal/domain"
)

const (
	DefaultAttempts    = 5
	DefaultBaseBackoff = 50 * time.Millisecond
	DefaultMaxBackoff  = 2 * time.Second
	lockPoll           = 2 * time.Millisecond
)

type Options struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Allocation struct {
	ID       string `json:"id"`
	Feature  string `json:"feature"`
	Category string `json:"category"`
	Seq      int64  `json:"seq"`
}

type Allocator struct {
	dir  string
	opts Options
}

func New(dir string, opts Options) *Allocator {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Allocator{dir: dir, opts: opts}
}

// Namespace canonicalises a (feature, category) pair. Features keep inner
// hyphens; categories are a single alphanumeric token so ids stay unambiguous.
func Namespace(feature, category string) (string, string, error) {
	f := normalizeToken(feature, true)
	c := normalizeToken(category, false)
	if f == "" {
		return "", "", domain.Errorf(domain.KindInvalidInput, map[string]any{"feature": feature}, "feature name is empty after normalisation")
	}
	if c == "" {
		return "", "", domain.Errorf(domain.KindInvalidInput, map[string]any{"category": category}, "category is empty after normalisation")
	}
	return f, c, nil
}

func normalizeToken(in string, keepHyphen bool) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToUpper(strings.TrimSpace(in)) {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		case keepHyphen && !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// FormatID renders a workorder id.
func FormatID(feature, category string, seq int64) string {
	return fmt.Sprintf("WO-%s-%s-%03d", feature, category, seq)
}

// ParseID splits a workorder id back into its namespace and sequence.
func ParseID(id string) (feature, category string, seq int64, err error) {
	rest, ok := strings.CutPrefix(id, "WO-")
	if !ok {
		return "", "", 0, domain.Errorf(domain.KindInvalidInput, map[string]any{"id": id}, "workorder id must start with WO-")
	}
	parts := strings.Split(rest, "-")
	if len(parts) < 3 {
		return "", "", 0, domain.Errorf(domain.KindInvalidInput, map[string]any{"id": id}, "malformed workorder id")
	}
	seq, perr := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if perr != nil || seq <= 0 {
		return "", "", 0, domain.Errorf(domain.KindInvalidInput, map[string]any{"id": id}, "malformed workorder sequence")
	}
	category = parts[len(parts)-2]
	feature = strings.Join(parts[:len(parts)-2], "-")
	return feature, category, seq, nil
}

// Allocate reserves the next sequence number of the namespace. The counter lock
// is held only for the read-increment-write. Each attempt keeps polling the lock
// for its backoff window, which doubles per attempt; contention surfaces as
// AllocationConflict once attempts run out.
func (a *Allocator) Allocate(ctx context.Context, feature, category string) (Allocation, error) {
	f, c, err := Namespace(feature, category)
	if err != nil {
		return Allocation{}, err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return Allocation{}, fmt.Errorf("create counter dir: %w", err)
	}
	counter := a.counterPath(f, c)
	lk := flock.New(counter + ".lock")
	for attempt := 0; attempt < a.opts.Attempts; attempt++ {
		locked, err := tryLockFor(ctx, lk, a.backoff(attempt))
		if err != nil {
			return Allocation{}, fmt.Errorf("lock counter %s: %w", counter, err)
		}
		if !locked {
			continue
		}
		seq, incErr := incrementLocked(counter)
		if unlockErr := lk.Unlock(); unlockErr != nil && incErr == nil {
			incErr = fmt.Errorf("unlock counter %s: %w", counter, unlockErr)
		}
		if incErr != nil {
			return Allocation{}, incErr
		}
		return Allocation{ID: FormatID(f, c, seq), Feature: f, Category: c, Seq: seq}, nil
	}
	return Allocation{}, domain.Errorf(domain.KindAllocationConflict, map[string]any{
		"feature":  f,
		"category": c,
		"attempts": a.opts.Attempts,
	}, "counter %s--%s still locked after %d attempts", f, c, a.opts.Attempts)
}

// tryLockFor polls lk until it is acquired or wait elapses. Running out of
// time is not an error; cancellation of ctx is.
func tryLockFor(ctx context.Context, lk *flock.Flock, wait time.Duration) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	locked, err := lk.TryLockContext(lockCtx, lockPoll)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return locked, nil
}

// Peek returns the last issued sequence of a namespace without allocating.
func (a *Allocator) Peek(ctx context.Context, feature, category string) (int64, error) {
	f, c, err := Namespace(feature, category)
	if err != nil {
		return 0, err
	}
	counter := a.counterPath(f, c)
	if _, err := os.Stat(counter); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	lk := flock.New(counter + ".lock")
	locked, err := lk.TryRLockContext(ctx, a.opts.BaseBackoff)
	if err != nil {
		return 0, fmt.Errorf("lock counter %s: %w", counter, err)
	}
	if !locked {
		return 0, domain.Errorf(domain.KindAllocationConflict, map[string]any{"feature": f, "category": c}, "counter busy")
	}
	defer lk.Unlock()
	return readCounter(counter)
}

func (a *Allocator) counterPath(feature, category string) string {
	return filepath.Join(a.dir, feature+"--"+category+".seq")
}

func (a *Allocator) backoff(retry int) time.Duration {
	d := a.opts.BaseBackoff << retry
	if d <= 0 || d > a.opts.MaxBackoff {
		return a.opts.MaxBackoff
	}
	return d
}

func readCounter(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", path, err)
	}
	return v, nil
}

func incrementLocked(path string) (int64, error) {
	cur, err := readCounter(path)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatInt(next, 10) + "\n"); err != nil {
		f.Close()
		return 0, fmt.Errorf("write counter: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync counter: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close counter: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("rename counter: %w", err)
	}
	return next, nil
}
