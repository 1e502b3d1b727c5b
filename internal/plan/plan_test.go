package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder/internal/domain"
)

func goodPlan() domain.Plan {
	return domain.Plan{
		Title:           "Session login",
		Summary:         "Password login with server-side sessions",
		SuccessCriteria: []string{"users can log in"},
		Phases: []domain.Phase{
			{Name: "foundation", Tasks: []domain.Task{
				{TaskID: "T1", Description: "user model", EstimatedEffort: "2h", Touches: []string{"internal/user/model.go"}},
				{TaskID: "T2", Description: "session store", EstimatedEffort: "3h", Touches: []string{"internal/session/store.go"}},
			}},
			{Name: "api", Tasks: []domain.Task{
				{TaskID: "T3", Description: "login handler", EstimatedEffort: "2h", DependsOn: []string{"T1", "T2"}, Touches: []string{"internal/api/login.go"}},
			}},
		},
	}
}

type fakeInventory map[string]bool

func (f fakeInventory) Exists(p string) bool { return f[p] }

func TestValidateCompletePlanScoresFull(t *testing.T) {
	r := Validate(goodPlan(), Options{})
	assert.Equal(t, 100, r.Score)
	assert.True(t, r.Passed)
	assert.Equal(t, DefaultThreshold, r.Threshold)
	assert.Empty(t, r.Issues)
	assert.NotNil(t, r.Issues)
	for _, c := range Categories {
		assert.Equal(t, weights[c], r.Breakdown[c], c)
	}
}

func TestValidateCycleFailsThreshold(t *testing.T) {
	p := goodPlan()
	p.Phases[0].Tasks[0].DependsOn = []string{"T3"}

	r := Validate(p, Options{})
	assert.Equal(t, 0, r.Breakdown[CategoryDependencies])
	assert.Equal(t, 75, r.Score)
	assert.False(t, r.Passed)
	require.Len(t, r.Errors(), 1)
	assert.Equal(t, CategoryDependencies, r.Issues[0].Category)
	assert.Contains(t, r.Issues[0].Message, "cycle")
}

func TestValidateMissingSectionsAndTaskFields(t *testing.T) {
	p := goodPlan()
	p.Summary = ""
	p.Phases[0].Tasks[1].EstimatedEffort = ""
	p.Phases = append(p.Phases, domain.Phase{Name: "empty"})

	r := Validate(p, Options{Threshold: 50})
	assert.Equal(t, 15, r.Breakdown[CategoryStructure])
	assert.Equal(t, 13, r.Breakdown[CategoryTasks])
	assert.Equal(t, 10, r.Breakdown[CategoryPhases])
	assert.Equal(t, 15+13+25+20+10, r.Score)
	assert.True(t, r.Passed)
	assert.Len(t, r.Errors(), 3)
}

func TestValidatePathsAndInventory(t *testing.T) {
	p := goodPlan()
	p.Phases[0].Tasks[0].Touches = []string{"internal/user/model.go", "../secrets", ".git/config", "/etc/passwd"}

	r := Validate(p, Options{Inventory: fakeInventory{"internal/user/model.go": true}})
	// 3 of 6 declared paths are acceptable.
	assert.Equal(t, 10, r.Breakdown[CategoryPaths])
	var warnings []string
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			warnings = append(warnings, is.Path)
		}
	}
	assert.Equal(t, []string{"internal/session/store.go", "internal/api/login.go"}, warnings)
}

func TestCheckPath(t *testing.T) {
	forbidden := []string{".git", ".env"}
	bad := map[string]string{
		"":               "empty",
		"a\\b.go":        "forward slashes",
		"/abs/x.go":      "relative",
		"C:/x.go":        "relative",
		"src/../../x.go": "escapes",
		"./src/x.go":     "canonical",
		"src//x.go":      "canonical",
		".git/HEAD":      "forbidden",
		".env":           "forbidden",
	}
	for p, want := range bad {
		assert.Contains(t, checkPath(p, forbidden), want, p)
	}
	assert.Empty(t, checkPath("src/.envrc", forbidden))
	assert.Empty(t, checkPath("docs/readme.md", forbidden))
}

func TestTopoTiers(t *testing.T) {
	tasks := []domain.Task{
		{TaskID: "C", DependsOn: []string{"A", "B"}},
		{TaskID: "A"},
		{TaskID: "B", DependsOn: []string{"A", "A"}},
		{TaskID: "D"},
	}
	tiers, err := TopoTiers(tasks)
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, []string{"A", "D", "B", "C"}, ExecutionOrder(tiers))
	assert.Len(t, tiers[0], 2)
}

func TestTopoTiersErrors(t *testing.T) {
	cases := map[string][]domain.Task{
		"duplicate": {{TaskID: "A"}, {TaskID: "A"}},
		"itself":    {{TaskID: "A", DependsOn: []string{"A"}}},
		"unknown":   {{TaskID: "A", DependsOn: []string{"Z"}}},
		"cycle":     {{TaskID: "A", DependsOn: []string{"B"}}, {TaskID: "B", DependsOn: []string{"A"}}},
	}
	for want, tasks := range cases {
		_, err := TopoTiers(tasks)
		require.ErrorIs(t, err, domain.ErrValidationFailure, want)
		assert.Contains(t, err.Error(), want)
	}

	_, err := TopoTiers(cases["cycle"])
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "A -> B -> A", de.Details["cycle"])
}

func TestRejectedPathsSurviveAPassingScore(t *testing.T) {
	p := goodPlan()
	p.Phases[0].Tasks[0].Touches = []string{"internal/user/model.go", ".git/config"}
	p.Phases[0].Tasks[1].Touches = []string{"internal/session/store.go", ".git/config", "internal/session/ttl.go"}

	r := Validate(p, Options{})
	assert.True(t, r.Passed, "score %d", r.Score)
	assert.Equal(t, []string{".git/config"}, r.RejectedPaths())

	assert.Empty(t, Validate(goodPlan(), Options{}).RejectedPaths())
}
