package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "proj", cfg.Project.ID)
	assert.Equal(t, 90, cfg.Validation.Threshold)
	assert.Equal(t, PolicyFlag, cfg.Verification.ScopeViolationPolicy)
	assert.Equal(t, 50*time.Millisecond, cfg.AllocatorBackoff())
	assert.Contains(t, cfg.RBAC.Roles, "coordinator")
	assert.Contains(t, cfg.RBAC.Roles["agent"].Permissions, "slot.verify")
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: demo\nvalidation:\n  threshold: 75\n"))
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.ID)
	assert.Equal(t, 75, cfg.Validation.Threshold)
	assert.Equal(t, 10, cfg.Partition.MaxSlots)
	assert.Equal(t, 2*time.Second, cfg.LedgerLockTimeout())
}

func TestFromYAMLRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"threshold": "project:\n  id: demo\nvalidation:\n  threshold: 140\n",
		"policy":    "project:\n  id: demo\nverification:\n  scope_violation_policy: ignore\n",
		"project":   "validation:\n  threshold: 80\n",
		"webhook":   "project:\n  id: demo\nwebhooks:\n  - url: not a url\n",
		"absolute":  "project:\n  id: demo\nvalidation:\n  forbidden_paths: [/etc]\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestRolesMustIncludeCoordinator(t *testing.T) {
	cfg := Default("demo")
	cfg.RBAC.Roles = map[string]RBACRole{"reader": {Permissions: []string{"workorder.read"}}}
	assert.ErrorContains(t, cfg.Validate(), "coordinator")
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.Project.ID)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "wo init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("written")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "written", cfg.Project.ID)
	assert.Equal(t, filepath.Join(dir, ".workorder", "ledger.log"), cfg.LedgerPath(dir))
	assert.Equal(t, filepath.Join(dir, ".workorder", "archive"), cfg.ArchiveDir(dir))
}
