package cmdplanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/filesession"
	"github.com/metalagman/deeprun/internal/planner"
)

// scriptPlanner writes a shell script that ignores the request file and
// prints a fixed response.
func scriptPlanner(t *testing.T, response string) *Planner {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "planner.sh")
	body := "#!/bin/sh\ncat <<'EOF'\n" + response + "\nEOF\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	p, err := New(Config{Command: []string{"sh", script}})
	require.NoError(t, err)
	return p
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPlanDecodesSteps(t *testing.T) {
	p := scriptPlanner(t, `{"steps":[
		{"id":"s1","type":"analyze","tool":"read_file"},
		{"id":"s2","type":"modify","tool":"ai_mutation","mutates":true}
	]}`)
	plan, err := p.Plan(context.Background(), planner.PlanRequest{RunID: "r1", Goal: "build"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, planner.StepModify, plan.Steps[1].Type)
	assert.True(t, plan.Steps[1].Mutates)
}

func TestPlanRejectsSchemaViolations(t *testing.T) {
	p := scriptPlanner(t, `{"steps":[{"id":"s1","type":"dance","tool":"x"}]}`)
	_, err := p.Plan(context.Background(), planner.PlanRequest{RunID: "r1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodePlannerFailed))
}

func TestPlanRejectsDuplicateIDs(t *testing.T) {
	p := scriptPlanner(t, `{"steps":[
		{"id":"s1","type":"analyze","tool":"read_file"},
		{"id":"s1","type":"verify","tool":"run_command"}
	]}`)
	_, err := p.Plan(context.Background(), planner.PlanRequest{RunID: "r1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodePlannerFailed))
}

func TestProposeChangesDecodes(t *testing.T) {
	p := scriptPlanner(t, `{"changes":[
		{"path":"src/app.ts","type":"create","content":"export {}\n"},
		{"path":"src/old.ts","type":"delete"}
	]}`)
	changes, err := p.ProposeChanges(context.Background(), planner.ProposeRequest{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, filesession.ChangeCreate, changes[0].Type)
	assert.Equal(t, []byte("export {}\n"), changes[0].NewContent)
	assert.Equal(t, filesession.ChangeDelete, changes[1].Type)
}

func TestCommandFailureIsPlannerFault(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "planner.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho boom 1>&2\nexit 3\n"), 0o755))
	p, err := New(Config{Command: []string{"sh", script}})
	require.NoError(t, err)
	_, err = p.Plan(context.Background(), planner.PlanRequest{RunID: "r1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodePlannerFailed))
}

func TestRequestFileIsHandedToCommand(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "captured.json")
	script := filepath.Join(dir, "planner.sh")
	body := "#!/bin/sh\ncp \"$1\" " + capture + "\necho '{\"steps\":[]}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	p, err := New(Config{Command: []string{"sh", script}})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), planner.PlanRequest{RunID: "r-42", Goal: "ship it"})
	require.NoError(t, err)

	raw, err := os.ReadFile(capture)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"op": "plan"`)
	assert.Contains(t, string(raw), "r-42")
	assert.Contains(t, string(raw), "ship it")
}
