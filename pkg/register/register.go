// Package register holds the task DAG rooted at a synthetic root node,
// the seven status buckets each node lives in exactly one of, and the
// subgraph-selection operations (ExecOnly/ExecTo/ExecFrom/ExecDisable).
package register

import (
	"fmt"

	"github.com/flowctl/flowctl/pkg/node"
)

// Status is one of the seven mutually exclusive task-status tags.
type Status string

const (
	Completed Status = "completed"
	Pending   Status = "pending"
	Running   Status = "running"
	Failed    Status = "failed"
	Defaulted Status = "defaulted"
	NoRun     Status = "norun"
	Aborted   Status = "aborted"
)

// RootID and RootName identify the register's synthetic root node.
const (
	RootID   = -1
	RootName = "FlowctlRootNode"
)

// ErrUnresolvedDependencies is surfaced when deserialization can make no
// further progress with nodes whose dependencies never resolved.
type ErrUnresolvedDependencies struct{ Names []string }

func (e ErrUnresolvedDependencies) Error() string {
	return fmt.Sprintf("register: unresolved dependencies for: %v", e.Names)
}

// Register holds every declared node, bucketed by Status, rooted at a
// synthetic root.
type Register struct {
	Root    *node.Node
	byID    map[int]*node.Node
	byName  map[string]*node.Node
	buckets map[Status]map[int]*node.Node
}

// New creates an empty Register with only the synthetic root present.
func New() *Register {
	root := node.New(RootID, RootName)
	r := &Register{
		Root:   root,
		byID:   map[int]*node.Node{RootID: root},
		byName: map[string]*node.Node{RootName: root},
		buckets: map[Status]map[int]*node.Node{
			Completed: {}, Pending: {}, Running: {}, Failed: {}, Defaulted: {}, NoRun: {}, Aborted: {},
		},
	}
	return r
}

// AddNodeObject wires n into the root's descendant graph. deps may refer
// to parents either by id (byName=false) or by name (byName=true); an
// empty deps list defaults to the root. It fails if any dependency is not
// yet present in the register, so callers doing bulk deserialization
// should retry unresolved nodes until a pass makes no progress (see
// resolve in pkg/serde).
func (r *Register) AddNodeObject(n *node.Node, status Status, deps []string, byName bool) error {
	if _, exists := r.byID[n.ID]; exists {
		return fmt.Errorf("register: duplicate node id %d", n.ID)
	}
	if _, exists := r.byName[n.Name]; exists {
		return fmt.Errorf("register: duplicate node name %q", n.Name)
	}

	parents := make([]*node.Node, 0, len(deps))
	if len(deps) == 0 {
		parents = append(parents, r.Root)
	} else {
		for _, d := range deps {
			var p *node.Node
			var ok bool
			if byName {
				p, ok = r.byName[d]
			} else {
				var id int
				if _, err := fmt.Sscanf(d, "%d", &id); err != nil {
					return fmt.Errorf("register: invalid dependency id %q: %w", d, err)
				}
				p, ok = r.byID[id]
			}
			if !ok {
				return fmt.Errorf("register: unresolved dependency %q for node %q", d, n.Name)
			}
			parents = append(parents, p)
		}
	}

	for _, p := range parents {
		p.AddChildNode(n)
	}
	r.byID[n.ID] = n
	r.byName[n.Name] = n
	r.buckets[status][n.ID] = n
	return nil
}

// Move transfers n from its current bucket to to.
func (r *Register) Move(n *node.Node, to Status) {
	for _, bucket := range r.buckets {
		delete(bucket, n.ID)
	}
	r.buckets[to][n.ID] = n
}

// StatusOf reports which bucket n currently lives in.
func (r *Register) StatusOf(n *node.Node) (Status, bool) {
	for status, bucket := range r.buckets {
		if _, ok := bucket[n.ID]; ok {
			return status, true
		}
	}
	return "", false
}

// Bucket returns the live map backing one status bucket. Callers
// iterating while mutating buckets (engine.go's promote-pending step)
// must snapshot first.
func (r *Register) Bucket(s Status) map[int]*node.Node { return r.buckets[s] }

// Snapshot returns a copy of a bucket's nodes, for iterating while the
// underlying bucket is mutated by the same caller (never by a different
// goroutine; the scheduling loop is single-threaded).
func (r *Register) Snapshot(s Status) []*node.Node {
	bucket := r.buckets[s]
	out := make([]*node.Node, 0, len(bucket))
	for _, n := range bucket {
		out = append(out, n)
	}
	return out
}

// FindNode delegates to the root's DFS, by id or by name.
func (r *Register) FindNode(idOrName any) *node.Node {
	switch v := idOrName.(type) {
	case int:
		return r.Root.GetNodeByID(v)
	case string:
		return r.Root.GetNodeByName(v)
	default:
		return nil
	}
}

// AllNodes returns every node in the register except the synthetic root.
func (r *Register) AllNodes() []*node.Node {
	out := make([]*node.Node, 0, len(r.byID)-1)
	for id, n := range r.byID {
		if id == RootID {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Len reports how many declared (non-root) nodes the register holds.
func (r *Register) Len() int { return len(r.byID) - 1 }

// markAll sets every declared node's bucket to s, leaving the root out of
// every bucket (the root never runs).
func (r *Register) markAll(s Status) {
	for status := range r.buckets {
		r.buckets[status] = map[int]*node.Node{}
	}
	for id, n := range r.byID {
		if id == RootID {
			continue
		}
		r.buckets[s][id] = n
	}
}

// ExecOnly resets every node to norun, then promotes exactly ids to pending.
func (r *Register) ExecOnly(ids []int) {
	r.markAll(NoRun)
	for _, id := range ids {
		if n, ok := r.byID[id]; ok {
			r.Move(n, Pending)
		}
	}
}

// ExecTo resets every node to norun, then promotes id and all its
// non-root ancestors to pending (BFS over parents).
func (r *Register) ExecTo(id int) {
	r.markAll(NoRun)
	target, ok := r.byID[id]
	if !ok {
		return
	}
	queue := []*node.Node{target}
	seen := map[int]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] || n.ID == RootID {
			continue
		}
		seen[n.ID] = true
		r.Move(n, Pending)
		for _, p := range n.Parents {
			queue = append(queue, p)
		}
	}
}

// ExecFrom resets every node to norun, then promotes id and all its
// descendants to pending (BFS over children).
func (r *Register) ExecFrom(id int) {
	r.markAll(NoRun)
	target, ok := r.byID[id]
	if !ok {
		return
	}
	queue := []*node.Node{target}
	seen := map[int]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		r.Move(n, Pending)
		for _, c := range n.Children {
			queue = append(queue, c)
		}
	}
}

// ExecDisable demotes the listed ids from pending to norun, leaving every
// other bucket untouched.
func (r *Register) ExecDisable(ids []int) {
	for _, id := range ids {
		n, ok := r.byID[id]
		if !ok {
			continue
		}
		if _, ok := r.buckets[Pending][id]; ok {
			r.Move(n, NoRun)
		}
	}
}

// RequeueUnfinished moves every node that a prior run left in a
// non-terminal-success state (failed, defaulted, aborted, or still
// running when the checkpoint was written) back to pending, so a resumed
// run re-attempts them while completed and norun nodes stay satisfied.
func (r *Register) RequeueUnfinished() {
	for _, s := range []Status{Failed, Defaulted, Aborted, Running} {
		for _, n := range r.Snapshot(s) {
			r.Move(n, Pending)
		}
	}
}

// ValidStatus reports whether s is one of the seven declared status tags.
func ValidStatus(s Status) bool {
	switch s {
	case Completed, Pending, Running, Failed, Defaulted, NoRun, Aborted:
		return true
	}
	return false
}

// SetChildrenDefaulted walks n's descendants breadth-first and moves
// every one found in Pending to Defaulted. Called immediately after n is
// marked Failed.
func (r *Register) SetChildrenDefaulted(n *node.Node) {
	queue := make([]*node.Node, 0, len(n.Children))
	for _, c := range n.Children {
		queue = append(queue, c)
	}
	seen := map[int]bool{}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if _, ok := r.buckets[Pending][c.ID]; ok {
			r.Move(c, Defaulted)
		}
		for _, gc := range c.Children {
			queue = append(queue, gc)
		}
	}
}
