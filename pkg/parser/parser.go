package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskwright/taskwright/pkg/types"
)

// Graph is the parser output: a root task and its ordered children,
// each carrying explicit dependency edges to siblings.
type Graph struct {
	Root     *types.Task     `json:"root"`
	SubTasks []*types.SubTask `json:"subtasks"`
}

var (
	titleRe      = regexp.MustCompile(`^#\s+Task\s+([\w.-]+)\s*:\s*(.+?)\s*$`)
	objectiveRe  = regexp.MustCompile(`^\*\*Objective\*\*\s*:?\s*(.*)$`)
	subtaskRe    = regexp.MustCompile(`^###\s+Task\s+(\d+)\s*:\s*(.+?)\s*$`)
	sectionRe    = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	metaLineRe   = regexp.MustCompile(`(?i)^[-*]?\s*(execution mode|dependencies|priority|complexity|impact|timeout)\s*:\s*(.+?)\s*$`)
	bulletRe     = regexp.MustCompile(`^\s*[-*]\s+(.*)$`)
	depOrdinalRe = regexp.MustCompile(`(?i)^task\s+(\d+)$`)
)

// Parse extracts a task graph from a markdown task definition. It is a
// pure function over the input bytes; it never touches the store.
func Parse(data []byte) (*Graph, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	root := &types.Task{
		Status:        types.TaskStatusPending,
		Priority:      types.TaskPriorityMedium,
		ExecutionMode: types.ExecutionModeSequential,
	}
	var requirements []string

	type rawSub struct {
		ordinal  int
		name     string
		mode     types.ExecutionMode
		priority types.TaskPriority
		timeout  int64
		deps     []string // as written, resolved later
		prompt   []string
		meta     map[string]any
	}
	var subs []*rawSub
	var current *rawSub
	section := ""
	sawObjective := false

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if m := titleRe.FindStringSubmatch(trimmed); m != nil && root.ID == "" {
			root.ID = m[1]
			root.Name = m[2]
			continue
		}

		if m := subtaskRe.FindStringSubmatch(trimmed); m != nil {
			ordinal, _ := strconv.Atoi(m[1])
			current = &rawSub{
				ordinal:  ordinal,
				name:     m[2],
				mode:     "", // inherit root unless overridden
				priority: types.TaskPriorityMedium,
				meta:     map[string]any{},
			}
			subs = append(subs, current)
			section = ""
			continue
		}

		if m := sectionRe.FindStringSubmatch(trimmed); m != nil {
			section = strings.ToLower(m[1])
			current = nil
			continue
		}

		if current != nil {
			if m := metaLineRe.FindStringSubmatch(trimmed); m != nil {
				key := strings.ToLower(m[1])
				val := m[2]
				switch key {
				case "execution mode":
					mode, err := parseMode(val)
					if err != nil {
						return nil, err
					}
					current.mode = mode
				case "dependencies":
					current.deps = splitDeps(val)
				case "priority":
					current.priority = types.TaskPriority(strings.ToLower(val))
				case "timeout":
					ms, err := strconv.ParseInt(strings.TrimSuffix(val, "ms"), 10, 64)
					if err != nil || ms <= 0 {
						return nil, types.NewError(types.KindMalformedInput,
							"task %d has invalid timeout %q", current.ordinal, val)
					}
					current.timeout = ms
				default: // complexity, impact
					current.meta[key] = val
				}
				continue
			}
			if trimmed != "" {
				// Implementation steps; nested bullets keep their indent
				current.prompt = append(current.prompt, line)
			}
			continue
		}

		if m := objectiveRe.FindStringSubmatch(trimmed); m != nil {
			sawObjective = true
			root.Description = m[1]
			continue
		}

		// Continuation lines of the objective paragraph
		if sawObjective && section == "" && trimmed != "" && !strings.HasPrefix(trimmed, "#") && root.Description != "" && len(subs) == 0 {
			if !bulletRe.MatchString(trimmed) {
				root.Description += " " + trimmed
				continue
			}
		}

		// Root-level execution mode line outside any sub-task
		if m := metaLineRe.FindStringSubmatch(trimmed); m != nil && strings.EqualFold(m[1], "execution mode") {
			mode, err := parseMode(m[2])
			if err != nil {
				return nil, err
			}
			root.ExecutionMode = mode
			continue
		}

		if section == "requirements" {
			if m := bulletRe.FindStringSubmatch(trimmed); m != nil {
				req := strings.TrimSpace(strings.TrimPrefix(m[1], "[ ]"))
				req = strings.TrimSpace(strings.TrimPrefix(req, "[x]"))
				requirements = append(requirements, req)
			}
			continue
		}
	}
	if err := sc.Err(); err != nil {
		return nil, types.WrapError(types.KindMalformedInput, err, "failed to scan input")
	}

	if root.ID == "" {
		return nil, types.NewError(types.KindMalformedInput, "missing title line '# Task <id>: <name>'")
	}
	if !sawObjective {
		return nil, types.NewError(types.KindMalformedInput, "missing **Objective** paragraph")
	}
	if len(requirements) == 0 {
		return nil, types.NewError(types.KindMalformedInput, "missing requirements section")
	}

	root.Metadata = map[string]any{"requirements": requirements}

	// Resolve dependency references to sibling ids
	byOrdinal := make(map[int]string, len(subs))
	byName := make(map[string]string, len(subs))
	for _, s := range subs {
		id := subTaskID(root.ID, s.ordinal)
		byOrdinal[s.ordinal] = id
		byName[strings.ToLower(s.name)] = id
	}

	graph := &Graph{Root: root}
	for _, s := range subs {
		st := &types.SubTask{
			ID:            subTaskID(root.ID, s.ordinal),
			ParentID:      root.ID,
			Index:         s.ordinal,
			Name:          s.name,
			Description:   s.name,
			Prompt:        strings.Join(s.prompt, "\n"),
			ExecutionMode: s.mode,
			Priority:      s.priority,
			TimeoutMs:     s.timeout,
		}
		if st.ExecutionMode == "" {
			// Sub-tasks inherit the root's mode unless overridden
			st.ExecutionMode = root.ExecutionMode
		}
		if len(s.meta) > 0 {
			st.Metadata = s.meta
		}
		for _, ref := range s.deps {
			id, err := resolveDep(ref, s.ordinal, byOrdinal, byName)
			if err != nil {
				return nil, err
			}
			st.Dependencies = append(st.Dependencies, id)
		}
		graph.SubTasks = append(graph.SubTasks, st)
	}
	return graph, nil
}

func parseMode(val string) (types.ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "sequential":
		return types.ExecutionModeSequential, nil
	case "parallel":
		return types.ExecutionModeParallel, nil
	}
	return "", types.NewError(types.KindMalformedInput, "unknown execution mode %q", val)
}

func splitDeps(val string) []string {
	if strings.EqualFold(strings.TrimSpace(val), "none") {
		return nil
	}
	parts := strings.Split(val, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolveDep(ref string, ordinal int, byOrdinal map[int]string, byName map[string]string) (string, error) {
	if m := depOrdinalRe.FindStringSubmatch(ref); m != nil {
		n, _ := strconv.Atoi(m[1])
		if id, ok := byOrdinal[n]; ok && n != ordinal {
			return id, nil
		}
		return "", types.NewError(types.KindAmbiguousDependency,
			"task %d names dependency %q which does not resolve to a sibling", ordinal, ref)
	}
	if id, ok := byName[strings.ToLower(ref)]; ok {
		return id, nil
	}
	return "", types.NewError(types.KindAmbiguousDependency,
		"task %d names dependency %q which does not resolve to a sibling", ordinal, ref)
}

func subTaskID(rootID string, ordinal int) string {
	return fmt.Sprintf("%s-%d", rootID, ordinal)
}

// Format re-emits a graph as canonical markdown. Parsing the output
// yields a graph equal in structure to the input.
func Format(g *Graph) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", g.Root.ID, g.Root.Name)
	fmt.Fprintf(&b, "**Objective**: %s\n\n", g.Root.Description)

	b.WriteString("## Requirements\n")
	if reqs, ok := g.Root.Metadata["requirements"].([]string); ok {
		for _, r := range reqs {
			fmt.Fprintf(&b, "- [ ] %s\n", r)
		}
	} else if reqs, ok := g.Root.Metadata["requirements"].([]any); ok {
		for _, r := range reqs {
			fmt.Fprintf(&b, "- [ ] %v\n", r)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Execution mode: %s\n\n", g.Root.ExecutionMode)

	ordinalByID := make(map[string]int, len(g.SubTasks))
	for _, st := range g.SubTasks {
		ordinalByID[st.ID] = st.Index
	}

	b.WriteString("## Subtasks\n\n")
	for _, st := range g.SubTasks {
		fmt.Fprintf(&b, "### Task %d: %s\n", st.Index, st.Name)
		fmt.Fprintf(&b, "Execution mode: %s\n", st.ExecutionMode)
		if len(st.Dependencies) == 0 {
			b.WriteString("Dependencies: none\n")
		} else {
			refs := make([]string, 0, len(st.Dependencies))
			for _, dep := range st.Dependencies {
				refs = append(refs, fmt.Sprintf("Task %d", ordinalByID[dep]))
			}
			fmt.Fprintf(&b, "Dependencies: %s\n", strings.Join(refs, ", "))
		}
		fmt.Fprintf(&b, "Priority: %s\n", st.Priority)
		if st.TimeoutMs > 0 {
			fmt.Fprintf(&b, "Timeout: %d\n", st.TimeoutMs)
		}
		if v, ok := st.Metadata["complexity"]; ok {
			fmt.Fprintf(&b, "Complexity: %v\n", v)
		}
		if v, ok := st.Metadata["impact"]; ok {
			fmt.Fprintf(&b, "Impact: %v\n", v)
		}
		if st.Prompt != "" {
			b.WriteString(st.Prompt)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}
