// Package serde parses and emits workflow files in both the
// pipe-delimited list format and the JSON format, expands $ENV{VAR}
// references, and serializes registers byte-stably so the ctllog output
// doubles as a resume file.
package serde

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/register"
)

// envPattern matches $ENV{VAR} occurrences in a field value.
var envPattern = regexp.MustCompile(`\$ENV\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrUnsetEnv is returned when a $ENV{VAR} reference has no value in the
// process environment.
type ErrUnsetEnv struct{ Var string }

func (e ErrUnsetEnv) Error() string { return fmt.Sprintf("serde: $ENV{%s} is unset", e.Var) }

// expandEnv substitutes every $ENV{VAR} in s, failing on the first unset
// VAR.
func expandEnv(s string) (string, error) {
	var firstErr error
	out := envPattern.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		name := envPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			firstErr = ErrUnsetEnv{Var: name}
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// pendingLine is a parsed-but-not-yet-wired list-format row, held until
// its dependencies resolve.
type pendingLine struct {
	id            int
	parents       []string
	maxAttempts   int
	retryWaitTime int
	status        register.Status
	elapsed       time.Duration
	name          string
	module        string
	worker        string
	args          []string
	logfile       string
}

// Mode is the workflow file's declared execution mode, carried by the
// `#SHELL` or `#PYTHON` header line.
type Mode string

const (
	ModePython Mode = "PYTHON"
	ModeShell  Mode = "SHELL"
)

// ErrBadHeader is returned when the first non-blank line of a list-format
// file is not a recognized `#SHELL` or `#PYTHON` header.
type ErrBadHeader struct{ Line string }

func (e ErrBadHeader) Error() string {
	return fmt.Sprintf("serde: expected #SHELL or #PYTHON header, got %q", e.Line)
}

// ParseList parses a list-format workflow file. restart
// selects whether each line carries the extra <status>|<elapsed> pair
// inserted after <retry_wait>. The header's mode tag selects the field
// layout: PYTHON carries explicit module/worker columns, SHELL omits
// them (every node defaults to the built-in shell worker).
func ParseList(path string, restart bool) (*register.Register, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("serde: open %s: %w", path, err)
	}
	defer f.Close()

	var pending []pendingLine
	scanner := bufio.NewScanner(f)
	lineNo := 0
	mode := ModePython
	sawHeader := false
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if !sawHeader {
				m, err := parseHeader(line)
				if err != nil {
					return nil, fmt.Errorf("serde: %s:%d: %w", path, lineNo, err)
				}
				mode = m
				sawHeader = true
			}
			continue
		}
		sawHeader = true
		pl, err := parseListLine(line, mode, restart)
		if err != nil {
			return nil, fmt.Errorf("serde: %s:%d: %w", path, lineNo, err)
		}
		pending = append(pending, pl)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("serde: read %s: %w", path, err)
	}

	return resolve(pending)
}

// parseHeader validates the `#<MODE>[|...extras ignored...]` header line
// and returns the declared mode.
func parseHeader(line string) (Mode, error) {
	body := strings.TrimPrefix(line, "#")
	tag := strings.SplitN(body, "|", 2)[0]
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case string(ModeShell):
		return ModeShell, nil
	case string(ModePython):
		return ModePython, nil
	default:
		return "", ErrBadHeader{Line: line}
	}
}

func parseListLine(line string, mode Mode, restart bool) (pendingLine, error) {
	fields := splitQuoted(line, '|', true)
	want := 9
	if mode == ModeShell {
		want = 7
	}
	if restart {
		want += 2
	}
	if len(fields) != want {
		return pendingLine{}, fmt.Errorf("expected %d fields for %s mode, got %d", want, mode, len(fields))
	}
	for i, f := range fields {
		// <args> (second to last) keeps its quotes for its own ',' split.
		if i != len(fields)-2 {
			f = splitQuoted(f, '|', false)[0]
		}
		exp, err := expandEnv(f)
		if err != nil {
			return pendingLine{}, err
		}
		fields[i] = exp
	}

	idx := 0
	next := func() string { v := fields[idx]; idx++; return v }

	id, err := strconv.Atoi(next())
	if err != nil {
		return pendingLine{}, fmt.Errorf("invalid id: %w", err)
	}
	parentsField := next()
	var parents []string
	if parentsField != "" {
		parents = strings.Split(parentsField, ",")
	}
	maxAttempts, err := strconv.Atoi(next())
	if err != nil {
		return pendingLine{}, fmt.Errorf("invalid max_attempts: %w", err)
	}
	retryWait, err := strconv.Atoi(next())
	if err != nil {
		return pendingLine{}, fmt.Errorf("invalid retry_wait_time: %w", err)
	}

	pl := pendingLine{id: id, parents: parents, maxAttempts: maxAttempts, retryWaitTime: retryWait}

	if restart {
		pl.status = register.Status(next())
		if !register.ValidStatus(pl.status) {
			return pendingLine{}, fmt.Errorf("invalid status %q", pl.status)
		}
		elapsedSec, err := strconv.ParseFloat(next(), 64)
		if err != nil {
			return pendingLine{}, fmt.Errorf("invalid elapsed: %w", err)
		}
		pl.elapsed = time.Duration(elapsedSec * float64(time.Second))
	}

	pl.name = next()
	if mode == ModeShell {
		pl.module, pl.worker = "sh", "shell"
	} else {
		pl.module = next()
		pl.worker = next()
	}
	argsField := next()
	if argsField != "" {
		pl.args = splitQuoted(argsField, ',', false)
	}
	pl.logfile = next()

	if pl.module == "" && pl.worker == "" {
		pl.module, pl.worker = "sh", "shell"
	}

	return pl, nil
}

// resolve wires pending lines into a Register, retrying unresolved
// dependencies until a pass makes no progress.
func resolve(pending []pendingLine) (*register.Register, error) {
	r := register.New()
	seenID := map[int]bool{}
	for _, pl := range pending {
		if seenID[pl.id] {
			return nil, fmt.Errorf("serde: duplicate id %d", pl.id)
		}
		seenID[pl.id] = true
	}

	remaining := pending
	for {
		var stillPending []pendingLine
		progress := false
		for _, pl := range remaining {
			n := node.New(pl.id, pl.name)
			n.Module, n.Worker, n.Arguments, n.LogFile = pl.module, pl.worker, pl.args, pl.logfile
			n.MaxAttempts = pl.maxAttempts
			n.RetryWaitTime = time.Duration(pl.retryWaitTime) * time.Second

			deps := make([]string, 0, len(pl.parents))
			for _, p := range pl.parents {
				if p == "-1" || p == "" {
					continue
				}
				deps = append(deps, p)
			}

			status := pl.status
			if status == "" {
				status = register.Pending
			}
			if err := r.AddNodeObject(n, status, deps, false); err != nil {
				stillPending = append(stillPending, pl)
				continue
			}
			progress = true
		}
		if len(stillPending) == 0 {
			return r, nil
		}
		if !progress {
			names := make([]string, 0, len(stillPending))
			for _, pl := range stillPending {
				names = append(names, pl.name)
			}
			return nil, register.ErrUnresolvedDependencies{Names: names}
		}
		remaining = stillPending
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// splitQuoted splits s on sep, treating runs wrapped in matching " or '
// as a single field (preserving sep characters inside the quotes). The
// quote characters are stripped from the resulting field unless keepQuotes
// is set.
func splitQuoted(s string, sep byte, keepQuotes bool) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				if keepQuotes {
					cur.WriteByte(c)
				}
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
			if keepQuotes {
				cur.WriteByte(c)
			}
		case c == sep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}
