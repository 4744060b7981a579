package serde

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/register"
)

// jsonWorkflow mirrors the top-level JSON workflow document.
type jsonWorkflow struct {
	Tasks map[string]jsonTask `json:"tasks"`
}

type jsonTask struct {
	Module        string   `json:"module"`
	Worker        string   `json:"worker"`
	LogFile       string   `json:"logfile"`
	Dependencies  []string `json:"dependencies,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	RetryWaitTime float64  `json:"retry_wait_time,omitempty"`
	Arguments     []string `json:"arguments,omitempty"`
}

// ParseJSON parses a JSON-format workflow file into a Register. Tasks
// with no "dependencies" key depend on the root. Task names are the keys
// of the "tasks" object, so each name appears once in the register; a
// name repeated in the document is not reported as an error, and
// encoding/json keeps its last value.
func ParseJSON(path string) (*register.Register, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serde: open %s: %w", path, err)
	}

	var doc jsonWorkflow
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("serde: decode %s: %w", path, err)
	}

	names := make([]string, 0, len(doc.Tasks))
	for name := range doc.Tasks {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic id assignment over Go's randomized map order

	type prepared struct {
		id   int
		name string
		task jsonTask
	}
	var preparedTasks []prepared
	for i, name := range names {
		task := doc.Tasks[name]
		expanded, err := expandJSONTask(task)
		if err != nil {
			return nil, fmt.Errorf("serde: task %q: %w", name, err)
		}
		preparedTasks = append(preparedTasks, prepared{id: i, name: name, task: expanded})
	}

	idByName := make(map[string]int, len(preparedTasks))
	for _, p := range preparedTasks {
		idByName[p.name] = p.id
	}

	pendingByName := map[string]prepared{}
	for _, p := range preparedTasks {
		pendingByName[p.name] = p
	}

	r := register.New()
	for {
		var progressed bool
		var stillPending []string
		for name, p := range pendingByName {
			n := node.New(p.id, name)
			n.Module, n.Worker, n.LogFile, n.Arguments = p.task.Module, p.task.Worker, p.task.LogFile, p.task.Arguments
			n.MaxAttempts = p.task.MaxAttempts
			if n.MaxAttempts == 0 {
				n.MaxAttempts = 1
			}
			if p.task.RetryWaitTime > 0 {
				n.RetryWaitTime = durationFromSeconds(p.task.RetryWaitTime)
			}

			if err := r.AddNodeObject(n, register.Pending, p.task.Dependencies, true); err != nil {
				stillPending = append(stillPending, name)
				continue
			}
			progressed = true
		}
		if len(stillPending) == 0 {
			return r, nil
		}
		if !progressed {
			return nil, register.ErrUnresolvedDependencies{Names: stillPending}
		}
		next := map[string]prepared{}
		for _, name := range stillPending {
			next[name] = pendingByName[name]
		}
		pendingByName = next
	}
}

func expandJSONTask(t jsonTask) (jsonTask, error) {
	var err error
	if t.Module, err = expandEnv(t.Module); err != nil {
		return t, err
	}
	if t.Worker, err = expandEnv(t.Worker); err != nil {
		return t, err
	}
	if t.LogFile, err = expandEnv(t.LogFile); err != nil {
		return t, err
	}
	for i, a := range t.Arguments {
		if t.Arguments[i], err = expandEnv(a); err != nil {
			return t, err
		}
	}
	for i, d := range t.Dependencies {
		if t.Dependencies[i], err = expandEnv(d); err != nil {
			return t, err
		}
	}
	if t.Module == "" && t.Worker == "" {
		t.Module, t.Worker = "sh", "shell"
	}
	return t, nil
}

// WriteJSON serializes r to path in the JSON workflow format.
func WriteJSON(path string, r *register.Register) error {
	nodes := r.AllNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	doc := jsonWorkflow{Tasks: make(map[string]jsonTask, len(nodes))}
	for _, n := range nodes {
		var deps []string
		for id := range n.Parents {
			if id == register.RootID {
				continue
			}
			if p, ok := findByID(nodes, id); ok {
				deps = append(deps, p.Name)
			}
		}
		sort.Strings(deps)
		doc.Tasks[n.Name] = jsonTask{
			Module:        n.Module,
			Worker:        n.Worker,
			LogFile:       n.LogFile,
			Dependencies:  deps,
			MaxAttempts:   n.MaxAttempts,
			RetryWaitTime: n.RetryWaitTime.Seconds(),
			Arguments:     n.Arguments,
		}
	}

	buf, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serde: marshal %s: %w", path, err)
	}
	if err := writeAtomic(path, buf); err != nil {
		return fmt.Errorf("serde: write %s: %w", path, err)
	}
	return nil
}

func findByID(nodes []*node.Node, id int) (*node.Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}
