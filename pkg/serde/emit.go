package serde

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/register"
)

// WriteCtlLog serializes r to path in list format with status and
// elapsed-time fields, so the file doubles as a resume checkpoint.
// Nodes are emitted in ascending id order for byte-stable output.
func WriteCtlLog(path string, r *register.Register) error {
	lines := renderLines(r, true)
	return writeLines(path, lines)
}

// WriteList serializes r to path in plain list format (no status/elapsed
// fields), suitable as a fresh workflow file.
func WriteList(path string, r *register.Register) error {
	lines := renderLines(r, false)
	return writeLines(path, lines)
}

func writeLines(path string, lines []string) error {
	all := append([]string{"#" + string(ModePython)}, lines...)
	content := strings.Join(all, "\n") + "\n"
	if err := writeAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("serde: write %s: %w", path, err)
	}
	return nil
}

func renderLines(r *register.Register, withStatus bool) []string {
	nodes := r.AllNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		fields := []string{
			strconv.Itoa(n.ID),
			parentsField(n),
			strconv.Itoa(n.MaxAttempts),
			strconv.Itoa(int(n.RetryWaitTime / time.Second)),
		}
		if withStatus {
			status, _ := r.StatusOf(n)
			elapsed := 0.0
			if !n.StartTime.IsZero() {
				end := n.EndTime
				if end.IsZero() {
					end = n.StartTime
				}
				elapsed = end.Sub(n.StartTime).Seconds()
			}
			fields = append(fields, string(status), strconv.FormatFloat(elapsed, 'g', -1, 64))
		}
		fields = append(fields,
			n.Name,
			n.Module,
			n.Worker,
			quoteJoin(n.Arguments, ','),
			n.LogFile,
		)
		lines = append(lines, strings.Join(fields, "|"))
	}
	return lines
}

func parentsField(n *node.Node) string {
	if len(n.Parents) == 0 {
		return ""
	}
	ids := make([]int, 0, len(n.Parents))
	for id := range n.Parents {
		if id == register.RootID {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "-1"
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// quoteJoin joins parts with sep, quoting any part that itself contains
// sep so splitQuoted can round-trip it.
func quoteJoin(parts []string, sep byte) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if strings.IndexByte(p, sep) >= 0 {
			out[i] = `"` + p + `"`
		} else {
			out[i] = p
		}
	}
	return strings.Join(out, string(sep))
}
