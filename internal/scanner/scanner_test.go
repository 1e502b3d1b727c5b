package scanner

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memWorkspace(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/ws/go.mod",
		"/ws/internal/user/model.go",
		"/ws/.git/HEAD",
		"/ws/node_modules/pkg/index.js",
		"/ws/.workorder/ledger.log",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
	}
	return fs
}

func TestInventoryFindsFilesAndDirectories(t *testing.T) {
	inv := NewInventory(memWorkspace(t), "/ws")
	assert.True(t, inv.Exists("go.mod"))
	assert.True(t, inv.Exists("./internal/user/model.go"))
	assert.True(t, inv.Exists("internal/user"))
	assert.False(t, inv.Exists("internal/session/store.go"))
}

func TestInventorySkipsToolingDirectories(t *testing.T) {
	inv := NewInventory(memWorkspace(t), "/ws")
	assert.False(t, inv.Exists(".git/HEAD"))
	assert.False(t, inv.Exists("node_modules/pkg/index.js"))

	files, err := inv.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"go.mod", "internal/user/model.go"}, files)
}

func TestInventoryOfMissingRootIsEmpty(t *testing.T) {
	inv := NewInventory(afero.NewMemMapFs(), "/nowhere")
	assert.False(t, inv.Exists("go.mod"))
	files, err := inv.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}
