package vcs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder/internal/domain"
)

type fakeCommander struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeCommander) RunInDir(_ context.Context, _ string, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.outputs[key]
	if !ok {
		return "", errors.New("unexpected command: " + key)
	}
	return out, nil
}

func TestChangedFilesUnionsEverySource(t *testing.T) {
	fake := &fakeCommander{outputs: map[string]string{
		"git diff --name-only main...HEAD":         "src/a.go\nsrc/b.go",
		"git diff --name-only --cached":            "src/b.go",
		"git diff --name-only":                     "./src/c.go",
		"git ls-files --others --exclude-standard": "notes/new.md\n",
	}}
	g := &GitDiff{Dir: "/repo", Base: "main", Commander: fake}

	files, err := g.ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/new.md", "src/a.go", "src/b.go", "src/c.go"}, files)
	assert.Len(t, fake.calls, 4)
}

func TestChangedFilesWithoutBaseSkipsCommittedDiff(t *testing.T) {
	fake := &fakeCommander{outputs: map[string]string{
		"git diff --name-only --cached":            "",
		"git diff --name-only":                     "a.go",
		"git ls-files --others --exclude-standard": "",
	}}
	files, err := (&GitDiff{Commander: fake}).ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, files)
}

func TestDeliverableMeasuresCommitsSinceBase(t *testing.T) {
	fake := &fakeCommander{outputs: map[string]string{
		"git diff --numstat main...HEAD":  "10\t2\tsrc/a.go\n-\t-\tlogo.png\n5\t0\tsrc/b.go",
		"git rev-list --count main..HEAD": "3",
		"git log -1 --format=%ct main":    "1700000000",
	}}
	g := &GitDiff{Base: "main", Commander: fake, Now: func() time.Time { return time.Unix(1700003600, 0) }}

	r, err := g.Deliverable(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverableReport{
		SlotID:           2,
		LinesAdded:       15,
		LinesRemoved:     2,
		Commits:          3,
		ElapsedSeconds:   3600,
		CompletedTaskIDs: []string{},
	}, r)
}

func TestDeliverableNeedsBase(t *testing.T) {
	_, err := (&GitDiff{Commander: &fakeCommander{}}).Deliverable(context.Background(), 1, []string{"T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGitFailuresNameTheCommand(t *testing.T) {
	g := &GitDiff{Base: "main", Commander: &fakeCommander{outputs: map[string]string{}}}
	_, err := g.ChangedFiles(context.Background())
	assert.ErrorContains(t, err, "git diff --name-only main...HEAD")
}
