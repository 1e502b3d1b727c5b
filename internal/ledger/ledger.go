// Package ledger is the append-only audit trail. Every lifecycle event becomes
// one line of the form
//
//	workorder_id | project | description | timestamp
//
// where description is "event" or "event: detail". Appends hold an exclusive
// file lock for the duration of one write+fsync; readers take a shared lock.
package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"workorder/internal/domain"
)

const (
	DefaultLockTimeout = 2 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
	fieldSep           = " | "
	emptyField         = "-"
)

// ErrLockTimeout is returned when the ledger lock cannot be obtained in time.
var ErrLockTimeout = errors.New("ledger lock timeout")

type Options struct {
	LockTimeout time.Duration
	Now         func() time.Time
}

type Ledger struct {
	path string
	opts Options
}

// Query filters ledger entries. Empty fields match everything; IDPattern and
// Event accept path.Match globs. Limit keeps only the newest N matches.
type Query struct {
	Project   string
	IDPattern string
	Event     string
	Limit     int
}

type Stats struct {
	Entries   int `json:"entries"`
	Malformed int `json:"malformed"`
}

// Open prepares the ledger file, creating it and its directory if needed.
func Open(p string, opts Options) (*Ledger, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Ledger{path: p, opts: opts}, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) lock() *flock.Flock { return flock.New(l.path + ".lock") }

// Append writes one entry. A missing timestamp is filled from the clock; the
// stored entry is returned as it will be read back.
func (l *Ledger) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.Timestamp == "" {
		e.Timestamp = l.opts.Now().UTC().Format(time.RFC3339)
	}
	line := FormatLine(e)
	stored, err := ParseLine(line)
	if err != nil {
		return e, err
	}

	lk := l.lock()
	lockCtx, cancel := context.WithTimeout(ctx, l.opts.LockTimeout)
	defer cancel()
	locked, err := lk.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return e, ctx.Err()
		}
		return e, fmt.Errorf("%w after %s", ErrLockTimeout, l.opts.LockTimeout)
	}
	defer lk.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return e, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return e, fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return e, fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return e, err
	}
	return stored, nil
}

// Query returns matching entries in append order.
func (l *Ledger) Query(ctx context.Context, q Query) ([]domain.LedgerEntry, error) {
	entries, _, err := l.scan(ctx, q)
	return entries, err
}

// Stats counts well-formed and malformed lines.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	_, st, err := l.scan(ctx, Query{})
	return st, err
}

func (l *Ledger) scan(ctx context.Context, q Query) ([]domain.LedgerEntry, Stats, error) {
	var st Stats
	lk := l.lock()
	lockCtx, cancel := context.WithTimeout(ctx, l.opts.LockTimeout)
	defer cancel()
	locked, err := lk.TryRLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return nil, st, ctx.Err()
		}
		return nil, st, fmt.Errorf("%w after %s", ErrLockTimeout, l.opts.LockTimeout)
	}
	defer lk.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, st, nil
		}
		return nil, st, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var out []domain.LedgerEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			st.Malformed++
			continue
		}
		st.Entries++
		if !q.Match(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, st, fmt.Errorf("read ledger: %w", err)
	}
	return out, st, nil
}

// Follow calls fn for every matching entry appended after Follow starts, until
// ctx is cancelled or fn returns an error. Limit is ignored.
func (l *Ledger) Follow(ctx context.Context, q Query, fn func(domain.LedgerEntry) error) error {
	w, err := newTail(l.path)
	if err != nil {
		return err
	}
	defer w.Close()
	for {
		lines, err := w.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		for _, line := range lines {
			e, err := ParseLine(line)
			if err != nil || !q.Match(e) {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

// Match reports whether e satisfies every set filter.
func (q Query) Match(e domain.LedgerEntry) bool {
	if q.Project != "" && e.Project != q.Project {
		return false
	}
	if q.IDPattern != "" && !globMatch(q.IDPattern, e.WorkorderID) {
		return false
	}
	if q.Event != "" && !globMatch(q.Event, e.Event) {
		return false
	}
	return true
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	if err != nil {
		return pattern == s
	}
	return ok
}

// FormatLine renders an entry as a single ledger line.
func FormatLine(e domain.LedgerEntry) string {
	desc := sanitize(strings.ReplaceAll(e.Event, ":", "-"))
	if d := sanitize(e.Detail); d != "" {
		desc += ": " + d
	}
	return strings.Join([]string{
		orEmpty(sanitize(e.WorkorderID)),
		orEmpty(sanitize(e.Project)),
		orEmpty(desc),
		sanitize(e.Timestamp),
	}, fieldSep)
}

// ParseLine is the inverse of FormatLine. Lines that do not carry exactly four
// fields or an ISO-8601 timestamp are rejected.
func ParseLine(line string) (domain.LedgerEntry, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger line has %d fields", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if _, err := time.Parse(time.RFC3339, parts[3]); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger timestamp: %w", err)
	}
	e := domain.LedgerEntry{
		WorkorderID: fromEmpty(parts[0]),
		Project:     fromEmpty(parts[1]),
		Timestamp:   parts[3],
	}
	desc := fromEmpty(parts[2])
	if event, detail, ok := strings.Cut(desc, ": "); ok {
		e.Event, e.Detail = event, detail
	} else {
		e.Event = desc
	}
	if e.Event == "" {
		return domain.LedgerEntry{}, fmt.Errorf("ledger line without event")
	}
	return e, nil
}

var sanitizer = strings.NewReplacer("|", "/", "\r\n", " ", "\n", " ", "\r", " ")

func sanitize(s string) string {
	return strings.TrimSpace(sanitizer.Replace(s))
}

func orEmpty(s string) string {
	if s == "" {
		return emptyField
	}
	return s
}

func fromEmpty(s string) string {
	if s == emptyField {
		return ""
	}
	return s
}

// readFrom returns the complete lines written after offset plus the new offset.
// A trailing partial line is left for the next read.
func readFrom(p string, offset int64) ([]string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	end := strings.LastIndexByte(string(data), '\n')
	if end < 0 {
		return nil, offset, nil
	}
	chunk := string(data[:end])
	var lines []string
	for _, line := range strings.Split(chunk, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, offset + int64(end) + 1, nil
}
