// Package archive moves finished workorders into write-once storage and keeps
// the feature index.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"workorder/internal/domain"
)

const (
	recordFile   = "record.json"
	artifactsDir = "artifacts"
	indexFile    = "index.json"
	lockTimeout  = 5 * time.Second
)

type Store struct {
	Dir string
}

type index struct {
	Archives []domain.ArchiveIndexEntry `json:"archives"`
}

func New(dir string) Store {
	return Store{Dir: dir}
}

// Location is where a workorder's archive lives.
func (s Store) Location(feature, workorderID string) string {
	return filepath.Join(s.Dir, feature, workorderID)
}

// Write stores rec read-only under <dir>/<feature>/<workorder_id>/, moves
// workDir (when it exists) into the archive's artifacts directory and appends
// the index entry. An existing archive record is never overwritten.
func (s Store) Write(ctx context.Context, rec domain.ArchiveRecord, workDir string) (domain.ArchiveRecord, error) {
	if rec.Feature == "" || rec.WorkorderID == "" {
		return rec, domain.Errorf(domain.KindInvalidInput, nil, "archive record needs feature and workorder id")
	}
	loc := s.Location(rec.Feature, rec.WorkorderID)
	if err := os.MkdirAll(filepath.Dir(loc), 0o755); err != nil {
		return rec, fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Mkdir(loc, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return rec, fmt.Errorf("create archive location: %w", err)
		}
		// A directory without a record is left over from a failed write.
		if _, statErr := os.Stat(filepath.Join(loc, recordFile)); statErr == nil {
			return rec, domain.Errorf(domain.KindInvalidStateTransition, map[string]any{
				"workorder_id": rec.WorkorderID,
				"location":     loc,
			}, "workorder %s is already archived", rec.WorkorderID)
		}
	}
	rec.Location = loc

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, fmt.Errorf("marshal archive record: %w", err)
	}
	data = append(data, '\n')
	path := filepath.Join(loc, recordFile)
	if err := os.WriteFile(path, data, 0o444); err != nil {
		return rec, fmt.Errorf("write archive record: %w", err)
	}

	return s.finish(ctx, rec, workDir)
}

// Resume completes an archive whose record is already stored but whose
// working documents or index entry may be missing, as left by an interrupted
// Write. The stored record is returned unchanged.
func (s Store) Resume(ctx context.Context, feature, workorderID, workDir string) (domain.ArchiveRecord, error) {
	rec, err := s.Load(feature, workorderID)
	if err != nil {
		return rec, err
	}
	rec.Location = s.Location(feature, workorderID)
	return s.finish(ctx, rec, workDir)
}

func (s Store) finish(ctx context.Context, rec domain.ArchiveRecord, workDir string) (domain.ArchiveRecord, error) {
	if workDir != "" {
		if _, err := os.Stat(workDir); err == nil {
			if err := os.Rename(workDir, filepath.Join(rec.Location, artifactsDir)); err != nil {
				return rec, fmt.Errorf("move working documents: %w", err)
			}
		}
	}
	entry := domain.ArchiveIndexEntry{
		Feature:     rec.Feature,
		WorkorderID: rec.WorkorderID,
		Location:    rec.Location,
		ArchivedAt:  rec.ArchivedAt,
	}
	if err := s.appendIndex(ctx, entry); err != nil {
		return rec, err
	}
	return rec, nil
}

// Load reads an archived record back.
func (s Store) Load(feature, workorderID string) (domain.ArchiveRecord, error) {
	var rec domain.ArchiveRecord
	data, err := os.ReadFile(filepath.Join(s.Location(feature, workorderID), recordFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": workorderID}, "no archive for %s", workorderID)
		}
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode archive record: %w", err)
	}
	return rec, nil
}

// Index returns every index entry ordered by archive time.
func (s Store) Index(ctx context.Context) ([]domain.ArchiveIndexEntry, error) {
	lk := flock.New(s.indexPath() + ".lock")
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lk.TryRLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock archive index: %w", err)
	}
	if !locked {
		return nil, errors.New("lock archive index: timeout")
	}
	defer lk.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(idx.Archives, func(i, j int) bool { return idx.Archives[i].ArchivedAt < idx.Archives[j].ArchivedAt })
	return idx.Archives, nil
}

// Lookup returns the index entries of one feature.
func (s Store) Lookup(ctx context.Context, feature string) ([]domain.ArchiveIndexEntry, error) {
	all, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ArchiveIndexEntry
	for _, e := range all {
		if e.Feature == feature {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s Store) appendIndex(ctx context.Context, entry domain.ArchiveIndexEntry) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	lk := flock.New(s.indexPath() + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lk.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock archive index: %w", err)
	}
	if !locked {
		return errors.New("lock archive index: timeout")
	}
	defer lk.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	for _, e := range idx.Archives {
		if e.WorkorderID == entry.WorkorderID {
			return nil
		}
	}
	idx.Archives = append(idx.Archives, entry)
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s Store) readIndex() (index, error) {
	var idx index
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			idx.Archives = []domain.ArchiveIndexEntry{}
			return idx, nil
		}
		return idx, fmt.Errorf("read index: %w", err)
	}
	if len(data) == 0 {
		idx.Archives = []domain.ArchiveIndexEntry{}
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("parse index: %w", err)
	}
	return idx, nil
}

func (s Store) ensureDir() error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir %s: %w", s.Dir, err)
	}
	return nil
}

func (s Store) indexPath() string {
	return filepath.Join(s.Dir, indexFile)
}
