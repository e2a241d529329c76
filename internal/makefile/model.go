// Package makefile holds the read-only data model the build engine
// consumes: targets, their dependents, their commands, and the
// inference rules that can supply commands to a target that has none.
//
// Parsing NMAKE syntax (macro expansion, conditionals, !include) is
// out of scope here; this package only models the result of parsing.
package makefile

import (
	"sort"
	"time"

	"github.com/jomgo/jomgo/internal/fsprobe"
)

// Command is one line of a target's recipe.
type Command struct {
	Line string
	// IgnoreErrors mirrors NMAKE's leading '-' on a command line: a
	// nonzero exit from this command does not fail the target.
	IgnoreErrors bool
}

// InferenceRule is a suffix rule (".c.obj:") that can supply Commands
// to a Target which declared none of its own.
type InferenceRule struct {
	FromSuffix string
	ToSuffix   string
	Commands   []Command
}

// Target is a named build product with its declared dependents and
// recipe. Targets are owned by a Makefile and referenced, never
// copied, by the dependency graph.
type Target struct {
	Name         string
	Dependents   []string
	Commands     []Command
	Rules        []*InferenceRule
	IgnoreErrors bool // NMAKE's target-level '-' modifier, applies to every command

	makefile *Makefile

	timeStampValid bool
	timeStampNanos int64
	fileExists     bool
}

// Exists reports whether t's target file is present, consulting probe
// only until the first positive answer: once a target is known to
// exist it stays cached that way until InvalidateTimeStamps runs,
// mirroring the original isTargetUpToDate's m_bFileExists field, which
// only re-stats on a cached "missing" answer since a concurrent
// sibling build may have produced the file since. The recheck goes
// through Stat, not ModTime, so a prior "missing" answer cached by
// probe itself (from an earlier check of this same path, e.g. as some
// other target's dependent) can't hide a file a concurrent sibling
// build just produced — this process has no Target node for that
// sibling's own output to invalidate the cache through.
func (t *Target) Exists(probe fsprobe.Prober) bool {
	if t.fileExists {
		return true
	}
	mtime, exists := probe.Stat(t.Name)
	if !exists {
		return false
	}
	t.fileExists = true
	t.timeStampNanos = mtime.UnixNano()
	t.timeStampValid = true
	return true
}

// TimeStamp returns t's cached last-modified time, refreshing it from
// probe via Exists when not already cached, and whether the target
// exists at all.
func (t *Target) TimeStamp(probe fsprobe.Prober) (time.Time, bool) {
	if !t.Exists(probe) {
		return time.Time{}, false
	}
	return time.Unix(0, t.timeStampNanos), t.timeStampValid
}

func (t *Target) invalidateTimeStamp() {
	t.timeStampValid = false
	t.fileExists = false
}

// Options carries the read-only configuration a Makefile exposes to
// the engine: worker count, error mode, and diagnostic verbosity.
type Options struct {
	MaxNumberOfJobs              int
	BuildAllTargets              bool // /A
	BuildUnrelatedTargetsOnError bool // /K
	DisplayBuildInfo             bool
	DumpDependencyGraph          bool
	DumpDependencyGraphDot       bool
	DryRun                       bool    // /N
	Quiet                        bool    // /NOLOGO and friends
	MaxLoadAverage               float64 // <=0 disables the throttle
}

// Makefile is the read-only-after-construction model the engine
// builds a DependencyGraph against. It is mutated only by
// InvalidateTimeStamps (drops every target's cached file state) and
// ApplyInferenceRules (binds commands onto targets that had none).
type Makefile struct {
	targets map[string]*Target
	order   []string // insertion order, for FirstTarget and deterministic dumps
	opts    Options
}

// New returns an empty Makefile with the given options.
func New(opts Options) *Makefile {
	return &Makefile{
		targets: make(map[string]*Target),
		opts:    opts,
	}
}

// AddTarget registers a target. It is a builder method used by test
// fixtures and by whatever parser eventually sits in front of this
// package; the engine itself never constructs targets.
func (m *Makefile) AddTarget(t *Target) *Target {
	t.makefile = m
	if _, exists := m.targets[t.Name]; !exists {
		m.order = append(m.order, t.Name)
	}
	m.targets[t.Name] = t
	return t
}

// Targets returns the map from name to Target.
func (m *Makefile) Targets() map[string]*Target { return m.targets }

// Target looks up a target by name, returning nil if absent.
func (m *Makefile) Target(name string) *Target { return m.targets[name] }

// FirstTarget returns the makefile's default goal: the first target
// declared, in source order.
func (m *Makefile) FirstTarget() *Target {
	if len(m.order) == 0 {
		return nil
	}
	return m.targets[m.order[0]]
}

// Options returns the makefile's read-only configuration.
func (m *Makefile) Options() Options { return m.opts }

// InvalidateTimeStamps drops every target's cached existence/mtime, so
// the next Exists/TimeStamp call re-probes rather than trusting a
// cache built for a now-stale build round.
func (m *Makefile) InvalidateTimeStamps() {
	for _, t := range m.targets {
		t.invalidateTimeStamp()
	}
}

// ApplyInferenceRules is called once per Makefile with the batch of
// leaf targets collected in one FindAvailableTarget round; targets in
// the batch that already have commands are left alone. It binds the
// first matching rule's commands onto each target whose name carries
// that rule's suffix. Each target's rule is chosen from that target's
// own Rules alone; the batch only fixes the order (sorted by name) in
// which targets are bound.
func (m *Makefile) ApplyInferenceRules(batch []*Target) {
	// Deterministic order regardless of map iteration upstream.
	names := make([]string, 0, len(batch))
	byName := make(map[string]*Target, len(batch))
	for _, t := range batch {
		if len(t.Commands) != 0 {
			continue
		}
		names = append(names, t.Name)
		byName[t.Name] = t
	}
	sort.Strings(names)

	for _, name := range names {
		t := byName[name]
		rule := matchInferenceRule(t)
		if rule == nil {
			continue
		}
		t.Commands = append([]Command(nil), rule.Commands...)
	}
}

func matchInferenceRule(t *Target) *InferenceRule {
	for _, r := range t.Rules {
		if hasSuffix(t.Name, r.ToSuffix) {
			return r
		}
	}
	return nil
}

func hasSuffix(name, suffix string) bool {
	if len(suffix) > len(name) {
		return false
	}
	return name[len(name)-len(suffix):] == suffix
}
