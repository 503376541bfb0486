package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/pkg/types"
)

const sampleGraph = `# Task auth-rework: Rework authentication

**Objective**: Replace session auth with tokens across the service.

## Requirements
- [ ] No session cookies remain
- [ ] Token refresh endpoint exists

Execution mode: parallel

## Subtasks

### Task 1: Add token issuing
Execution mode: sequential
Dependencies: none
Priority: high
Timeout: 60000
Complexity: medium
- Implement issue endpoint
- Store refresh tokens
  - hash them first

### Task 2: Migrate middleware
Dependencies: Task 1
Priority: critical
- Swap session middleware for token checks

### Task 3: Remove sessions
Dependencies: Add token issuing, Task 2
- Delete session store
`

// TestParse tests a full well-formed document
func TestParse(t *testing.T) {
	g, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	assert.Equal(t, "auth-rework", g.Root.ID)
	assert.Equal(t, "Rework authentication", g.Root.Name)
	assert.Equal(t, "Replace session auth with tokens across the service.", g.Root.Description)
	assert.Equal(t, types.ExecutionModeParallel, g.Root.ExecutionMode)

	reqs, ok := g.Root.Metadata["requirements"].([]string)
	require.True(t, ok)
	assert.Len(t, reqs, 2)
	assert.Equal(t, "No session cookies remain", reqs[0])

	require.Len(t, g.SubTasks, 3)

	first := g.SubTasks[0]
	assert.Equal(t, "auth-rework-1", first.ID)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "Add token issuing", first.Name)
	assert.Equal(t, types.ExecutionModeSequential, first.ExecutionMode)
	assert.Equal(t, types.TaskPriorityHigh, first.Priority)
	assert.Equal(t, int64(60000), first.TimeoutMs)
	assert.Empty(t, first.Dependencies)
	assert.Equal(t, "medium", first.Metadata["complexity"])
	assert.Contains(t, first.Prompt, "Implement issue endpoint")
	// Nested bullets keep their indentation
	assert.Contains(t, first.Prompt, "  - hash them first")

	second := g.SubTasks[1]
	assert.Equal(t, []string{"auth-rework-1"}, second.Dependencies)
	assert.Equal(t, types.TaskPriorityCritical, second.Priority)
	// Children inherit the root's mode unless overridden
	assert.Equal(t, types.ExecutionModeParallel, second.ExecutionMode)

	third := g.SubTasks[2]
	// Name reference and ordinal reference both resolve
	assert.Equal(t, []string{"auth-rework-1", "auth-rework-2"}, third.Dependencies)
}

// TestParseMalformed tests rejection of structurally invalid documents
func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing title", "**Objective**: x\n\n## Requirements\n- [ ] y\n"},
		{"missing objective", "# Task a: b\n\n## Requirements\n- [ ] y\n"},
		{"missing requirements", "# Task a: b\n\n**Objective**: x\n"},
		{"zero timeout", sampleHeader + "### Task 1: c\nTimeout: 0\n- step\n"},
		{"negative timeout", sampleHeader + "### Task 1: c\nTimeout: -5\n- step\n"},
		{"bad execution mode", sampleHeader + "### Task 1: c\nExecution mode: sideways\n- step\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Equal(t, types.KindMalformedInput, types.KindOf(err))
		})
	}
}

const sampleHeader = `# Task a: b

**Objective**: x

## Requirements
- [ ] y

## Subtasks

`

// TestParseAmbiguousDependency tests unresolvable dependency references
func TestParseAmbiguousDependency(t *testing.T) {
	tests := []struct {
		name string
		dep  string
	}{
		{"unknown ordinal", "Task 9"},
		{"unknown name", "Nonexistent"},
		{"self reference", "Task 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := sampleHeader + "### Task 1: c\nDependencies: " + tt.dep + "\n- step\n"
			_, err := Parse([]byte(input))
			require.Error(t, err)
			assert.Equal(t, types.KindAmbiguousDependency, types.KindOf(err))
		})
	}
}

// TestParseNoSubtasks tests a root-only document
func TestParseNoSubtasks(t *testing.T) {
	g, err := Parse([]byte("# Task solo: Just one\n\n**Objective**: do it\n\n## Requirements\n- [ ] done\n"))
	require.NoError(t, err)
	assert.Equal(t, "solo", g.Root.ID)
	assert.Empty(t, g.SubTasks)
	// Sequential is the default mode
	assert.Equal(t, types.ExecutionModeSequential, g.Root.ExecutionMode)
}

// TestFormatRoundTrip tests that Parse(Format(g)) preserves structure
func TestFormatRoundTrip(t *testing.T) {
	g1, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	g2, err := Parse(Format(g1))
	require.NoError(t, err)

	assert.Equal(t, g1.Root.ID, g2.Root.ID)
	assert.Equal(t, g1.Root.Name, g2.Root.Name)
	assert.Equal(t, g1.Root.ExecutionMode, g2.Root.ExecutionMode)
	require.Equal(t, len(g1.SubTasks), len(g2.SubTasks))
	for i := range g1.SubTasks {
		assert.Equal(t, g1.SubTasks[i].ID, g2.SubTasks[i].ID)
		assert.Equal(t, g1.SubTasks[i].Name, g2.SubTasks[i].Name)
		assert.Equal(t, g1.SubTasks[i].Dependencies, g2.SubTasks[i].Dependencies)
		assert.Equal(t, g1.SubTasks[i].ExecutionMode, g2.SubTasks[i].ExecutionMode)
		assert.Equal(t, g1.SubTasks[i].Priority, g2.SubTasks[i].Priority)
		assert.Equal(t, g1.SubTasks[i].TimeoutMs, g2.SubTasks[i].TimeoutMs)
	}
}
