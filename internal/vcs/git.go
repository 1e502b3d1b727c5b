// Package vcs derives verification inputs and deliverable metrics from git.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"workorder/internal/domain"
)

// Commander runs external commands; tests substitute a fake.
type Commander interface {
	RunInDir(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ShellCommander executes real commands.
type ShellCommander struct{}

func (ShellCommander) RunInDir(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// GitDiff reads the work an agent did in a checkout relative to Base.
type GitDiff struct {
	Dir       string
	Base      string
	Commander Commander
	Now       func() time.Time
}

func NewGitDiff(dir, base string) *GitDiff {
	return &GitDiff{Dir: dir, Base: base, Commander: ShellCommander{}, Now: time.Now}
}

func (g *GitDiff) git(ctx context.Context, args ...string) (string, error) {
	c := g.Commander
	if c == nil {
		c = ShellCommander{}
	}
	out, err := c.RunInDir(ctx, g.Dir, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// ChangedFiles is the sorted union of files committed since Base, staged,
// modified in the working tree, and untracked.
func (g *GitDiff) ChangedFiles(ctx context.Context) ([]string, error) {
	queries := [][]string{
		{"diff", "--name-only", "--cached"},
		{"diff", "--name-only"},
		{"ls-files", "--others", "--exclude-standard"},
	}
	if g.Base != "" {
		queries = append([][]string{{"diff", "--name-only", g.Base + "...HEAD"}}, queries...)
	}
	set := map[string]struct{}{}
	for _, q := range queries {
		out, err := g.git(ctx, q...)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(out, "\n") {
			if p := domain.NormalizePath(line); p != "" {
				set[p] = struct{}{}
			}
		}
	}
	return domain.SortedKeys(set), nil
}

// Deliverable builds a slot's report from the commits since Base.
func (g *GitDiff) Deliverable(ctx context.Context, slot int, completed []string) (domain.DeliverableReport, error) {
	r := domain.DeliverableReport{SlotID: slot, CompletedTaskIDs: completed}
	if r.CompletedTaskIDs == nil {
		r.CompletedTaskIDs = []string{}
	}
	if g.Base == "" {
		return r, domain.Errorf(domain.KindInvalidInput, nil, "a base revision is required to measure deliverables")
	}
	numstat, err := g.git(ctx, "diff", "--numstat", g.Base+"...HEAD")
	if err != nil {
		return r, err
	}
	r.LinesAdded, r.LinesRemoved = parseNumstat(numstat)

	count, err := g.git(ctx, "rev-list", "--count", g.Base+"..HEAD")
	if err != nil {
		return r, err
	}
	if r.Commits, err = strconv.ParseInt(strings.TrimSpace(count), 10, 64); err != nil {
		return r, fmt.Errorf("parse commit count %q: %w", count, err)
	}

	started, err := g.git(ctx, "log", "-1", "--format=%ct", g.Base)
	if err != nil {
		return r, err
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(started), 10, 64); err == nil {
		now := time.Now
		if g.Now != nil {
			now = g.Now
		}
		if elapsed := now().Unix() - ts; elapsed > 0 {
			r.ElapsedSeconds = elapsed
		}
	}
	return r, nil
}

// parseNumstat sums "added<TAB>removed<TAB>path" lines; binary files ("-")
// count as zero.
func parseNumstat(out string) (added, removed int64) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if a, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			added += a
		}
		if d, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			removed += d
		}
	}
	return added, removed
}
