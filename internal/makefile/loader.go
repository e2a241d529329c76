package makefile

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LoadSimple reads a minimal target-list description from r: one
// "target: dep dep ..." header per stanza, followed by indented
// (tab-prefixed) recipe lines, blank lines separating stanzas. A
// recipe line prefixed with '-' is a per-command ignore-errors line,
// matching NMAKE's leading-dash convention; a header prefixed with
// '-' (e.g. "-target: dep dep") applies ignore-errors to the whole
// target's recipe instead of one line.
//
// This is deliberately not an NMAKE parser: no macros, no
// conditionals, no !include, no inference-rule syntax. It exists so
// cmd/jomgo has something to hand the engine without reaching for a
// full preprocessor, which is out of scope for this module. A real
// front end would replace this with its own Makefile builder using
// the same AddTarget/InferenceRule API.
func LoadSimple(r io.Reader, opts Options) (*Makefile, error) {
	mf := New(opts)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current *Target
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		switch {
		case strings.TrimSpace(text) == "":
			current = nil
		case strings.HasPrefix(text, "\t"):
			if current == nil {
				return nil, fmt.Errorf("makefile:%d: recipe line outside any target", line)
			}
			recipe := strings.TrimPrefix(text, "\t")
			cmd := Command{Line: recipe}
			if strings.HasPrefix(recipe, "-") {
				cmd.Line = strings.TrimPrefix(recipe, "-")
				cmd.IgnoreErrors = true
			}
			current.Commands = append(current.Commands, cmd)
		default:
			header := text
			ignoreErrors := false
			if strings.HasPrefix(header, "-") {
				header = strings.TrimPrefix(header, "-")
				ignoreErrors = true
			}
			name, deps, ok := strings.Cut(header, ":")
			if !ok {
				return nil, fmt.Errorf("makefile:%d: expected 'target: deps', got %q", line, text)
			}
			current = mf.AddTarget(&Target{
				Name:         strings.TrimSpace(name),
				Dependents:   strings.Fields(deps),
				IgnoreErrors: ignoreErrors,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mf, nil
}
