// Package schedule implements the top-level TargetExecutor: the
// single-threaded cooperative scheduler that drives the whole build.
// It owns the executor pool, the job-token client, and the
// dependency graph, and runs the find-leaf -> acquire-token ->
// dispatch -> on-finish -> remove-leaf loop until every goal target
// is satisfied or the build aborts.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/tevino/abool/v2"

	"github.com/jomgo/jomgo/internal/diag"
	"github.com/jomgo/jomgo/internal/execpool"
	"github.com/jomgo/jomgo/internal/fsprobe"
	"github.com/jomgo/jomgo/internal/graph"
	"github.com/jomgo/jomgo/internal/jobtoken"
	"github.com/jomgo/jomgo/internal/makefile"
)

// ExitCode mirrors the spec's three-way completion law: 0 on full
// success, 1 if keep-going observed a failure, 2 on fail-fast abort.
type ExitCode int

const (
	ExitSuccess     ExitCode = 0
	ExitKeepGoing   ExitCode = 1
	ExitAborted     ExitCode = 2
)

// ConfigError marks a fatal configuration problem (no targets, unknown
// goal, unreachable job server) that fails the build immediately,
// distinct from a command failure.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return e.Msg }

// Scheduler is the TargetExecutor.
type Scheduler struct {
	pool    *execpool.Pool
	jobs    *jobtoken.Client
	probe   fsprobe.Prober
	printer *diag.Printer
	now     func() time.Time

	mf    *makefile.Makefile
	graph *graph.Graph

	pendingTargets []*makefile.Target
	nextTarget     *makefile.Target

	// idle and running are the scheduler's own view of
	// availableProcesses/runningProcesses: mutated only here, inside
	// buildNextTarget and onChildFinished, never by polling a worker's
	// own live state. A worker moves from running back to idle exactly
	// when its Finished event is drained, not the instant its goroutine
	// flips to idle internally — closing the window where a token
	// acquisition could be handed to a worker whose prior completion
	// hasn't been processed yet.
	idle    []*execpool.Executor
	running []*execpool.Executor

	jobAcquisitionCount int
	heldTokens          map[*execpool.Executor]bool
	aborted             *abool.AtomicBool
	allSuccessful       *abool.AtomicBool
	keepGoing           bool

	tick   chan struct{}
	result chan ExitCode
}

// New constructs a Scheduler with maxJobs worker slots sharing env.
// dryRun is forwarded to every executor in the pool so "-n" reports
// what would run without spawning anything.
func New(maxJobs int, env []string, dryRun bool, probe fsprobe.Prober, jobs *jobtoken.Client, printer *diag.Printer) *Scheduler {
	pool := execpool.NewPool(maxJobs, env, dryRun)
	return &Scheduler{
		pool:          pool,
		idle:          append([]*execpool.Executor(nil), pool.Executors()...),
		jobs:          jobs,
		probe:         probe,
		printer:       printer,
		now:           time.Now,
		heldTokens:    make(map[*execpool.Executor]bool),
		aborted:       abool.New(),
		allSuccessful: abool.New(),
		tick:          make(chan struct{}, 1),
		result:        make(chan ExitCode, 1),
	}
}

// SetClock overrides the timestamp source used for build-info lines.
// Test-only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

func (s *Scheduler) postTick() {
	select {
	case s.tick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) finish(code ExitCode) {
	select {
	case s.result <- code:
	default:
	}
}

// Apply resets the scheduler's state, builds the graph rooted at the
// first goal (or the makefile's default goal if none given), queues
// the rest in pendingTargets, and runs the build to completion,
// returning the exit code the spec's ยง4.4/ยง7 define.
func (s *Scheduler) Apply(mf *makefile.Makefile, goals []string, env []string) (ExitCode, error) {
	s.mf = mf
	s.aborted.UnSet()
	s.allSuccessful.SetTo(true)
	s.jobAcquisitionCount = 0
	s.nextTarget = nil

	opts := mf.Options()
	s.keepGoing = opts.BuildUnrelatedTargetsOnError

	if len(mf.Targets()) == 0 {
		return 0, &ConfigError{Msg: "no targets in makefile"}
	}

	goalTargets, err := resolveGoals(mf, goals)
	if err != nil {
		return 0, err
	}

	makeflags, err := s.jobs.Start(opts.MaxNumberOfJobs, env)
	if err != nil {
		return 0, &ConfigError{Msg: "job server unreachable: " + err.Error()}
	}
	// A freshly created job-server endpoint didn't exist when the pool
	// was constructed; a sub-invocation's inherited endpoint is already
	// in env, but harmless to reapply. Either way, every worker's
	// spawned children must see it so a recursive make/jom shares this
	// process's concurrency budget instead of starting its own.
	s.pool.SetEnv(mergeMakeflags(env, makeflags))

	first := goalTargets[0]
	s.pendingTargets = goalTargets[1:]
	s.rebuildGraph(first, opts)

	if opts.DumpDependencyGraph || opts.DumpDependencyGraphDot {
		return ExitSuccess, nil
	}

	s.postTick()
	for {
		// Once a fail-fast abort starts draining in-flight workers,
		// this loop must stop consuming pool.Events()/jobs.Acquired()
		// itself: drainAndFinish owns that job now, and two readers
		// on the same channel would race over which one reaps a
		// given finish. Waiting on s.result alone is safe because
		// drainAndFinish is the only path left that can post to it.
		if s.aborted.IsSet() {
			return <-s.result, nil
		}
		select {
		case code := <-s.result:
			return code, nil
		case <-s.tick:
			s.startProcesses()
		case ev := <-s.pool.Events():
			s.onChildFinished(ev)
		case <-s.jobs.Acquired():
			s.onTokenAcquired()
		}
	}
}

// mergeMakeflags folds makeflags (the "--jobserver-auth=R,W" fragment
// jobtoken.Client.Start just resolved) into env's MAKEFLAGS entry,
// appending to whatever flags are already there rather than replacing
// them, since a sub-invocation's inherited MAKEFLAGS may carry other
// flags (e.g. "-k") this process needs to keep forwarding.
func mergeMakeflags(env []string, makeflags string) []string {
	const prefix = "MAKEFLAGS="
	merged := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			merged = append(merged, kv+" "+makeflags)
			found = true
			continue
		}
		merged = append(merged, kv)
	}
	if !found {
		merged = append(merged, prefix+makeflags)
	}
	return merged
}

func resolveGoals(mf *makefile.Makefile, goals []string) ([]*makefile.Target, error) {
	if len(goals) == 0 {
		t := mf.FirstTarget()
		if t == nil {
			return nil, &ConfigError{Msg: "no targets in makefile"}
		}
		return []*makefile.Target{t}, nil
	}

	targets := make([]*makefile.Target, 0, len(goals))
	for _, name := range goals {
		t := mf.Target(name)
		if t == nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("goal '%s' not found", name)}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (s *Scheduler) rebuildGraph(root *makefile.Target, opts makefile.Options) {
	s.graph = graph.New(s.mf, s.probe, func(t *makefile.Target, upToDate bool) {
		if opts.DisplayBuildInfo {
			s.printer.BuildInfo(t.Name, upToDate, s.now())
		}
	})
	s.graph.Build(root)
}

// startProcesses is the scheduler tick. It is only ever entered via
// postTick, never called re-entrantly, so stack depth never grows
// with the number of immediate scheduling transitions this build
// makes.
func (s *Scheduler) startProcesses() {
	if s.aborted.IsSet() || s.jobs.IsAcquiring() {
		return
	}
	if len(s.idle) == 0 {
		return
	}

	if s.nextTarget == nil {
		s.nextTarget = s.findNextTarget()
	}

	if s.nextTarget != nil {
		if len(s.running) == 0 {
			// The implicit free slot: no token needed.
			s.buildNextTarget(s.takeIdle(), false)
			return
		}
		s.jobAcquisitionCount++
		s.jobs.AsyncAcquire()
		return
	}

	if len(s.running) != 0 {
		return
	}

	if len(s.pendingTargets) == 0 {
		if s.allSuccessful.IsSet() {
			s.finish(ExitSuccess)
		} else {
			s.finish(ExitKeepGoing)
		}
		return
	}

	next := s.pendingTargets[0]
	s.pendingTargets = s.pendingTargets[1:]
	s.graph.Clear()
	s.mf.InvalidateTimeStamps()
	s.probe.InvalidateAll()
	s.rebuildGraph(next, s.mf.Options())
	s.postTick()
}

// findNextTarget loops over graph.FindAvailableTarget, dropping
// targets that contribute no work (empty command list, even after the
// graph's own batched inference-rule pass) and, in keep-going mode,
// targets already marked unbuildable, until it finds a real candidate
// or the graph is exhausted.
func (s *Scheduler) findNextTarget() *makefile.Target {
	buildAll := s.mf.Options().BuildAllTargets
	for {
		t := s.graph.FindAvailableTarget(buildAll)
		if t == nil {
			return nil
		}

		if s.keepGoing && s.graph.IsUnbuildable(t) {
			s.printer.UnbuildableNotice(t.Name)
			s.probe.Invalidate(t.Name)
			s.graph.RemoveLeaf(t)
			continue
		}

		if len(t.Commands) == 0 {
			s.graph.RemoveLeaf(t)
			continue
		}

		return t
	}
}

// takeIdle pops and returns the head of the scheduler's own idle list,
// moving it into running. Callers must have already checked len(idle)
// > 0.
func (s *Scheduler) takeIdle() *execpool.Executor {
	worker := s.idle[0]
	s.idle = s.idle[1:]
	s.running = append(s.running, worker)
	return worker
}

func (s *Scheduler) buildNextTarget(worker *execpool.Executor, viaToken bool) {
	target := s.nextTarget
	s.nextTarget = nil
	if viaToken {
		s.heldTokens[worker] = true
	}
	worker.Start(targetAdapter{target})
	s.postTick()
}

func (s *Scheduler) onTokenAcquired() {
	if len(s.idle) == 0 || s.nextTarget == nil {
		return
	}
	s.buildNextTarget(s.takeIdle(), true)
}

// onChildFinished handles one command executor's completion: keep-
// going bookkeeping, timestamp invalidation, leaf removal, token
// release, streaming re-election, and fatal-abort drain, in the order
// the ordering guarantees require.
func (s *Scheduler) onChildFinished(ev execpool.Finished) {
	target := ev.Target.(targetAdapter).t

	if ev.CommandFailed {
		s.allSuccessful.UnSet()
		if s.keepGoing {
			s.graph.MarkParentsRecursivelyUnbuildable(target)
			s.printer.KeepGoingNotice()
		}
	}

	s.probe.Invalidate(target.Name)
	s.graph.RemoveLeaf(target)

	s.releaseTokenFor(ev.Executor)
	s.running = removeExecutor(s.running, ev.Executor)
	s.idle = append(s.idle, ev.Executor)
	s.reelectStreaming(ev.Executor)

	if ev.CommandFailed && !s.keepGoing {
		s.abortBuild()
		return
	}

	s.postTick()
}

func removeExecutor(list []*execpool.Executor, target *execpool.Executor) []*execpool.Executor {
	for i, e := range list {
		if e == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// releaseTokenFor returns worker's held token, if it acquired one —
// the implicit free slot never does, so releasing unconditionally
// would return tokens the client never held.
func (s *Scheduler) releaseTokenFor(worker *execpool.Executor) {
	if !s.heldTokens[worker] {
		return
	}
	s.jobs.Release()
	s.jobAcquisitionCount--
	delete(s.heldTokens, worker)
}

func (s *Scheduler) reelectStreaming(finished *execpool.Executor) {
	if !finished.Streaming() {
		return
	}
	finished.SetStreaming(false)
	if len(s.running) > 0 {
		s.running[0].SetStreaming(true)
		return
	}
	if len(s.idle) > 0 {
		s.idle[0].SetStreaming(true)
	}
}

func (s *Scheduler) abortBuild() {
	s.aborted.Set()
	s.graph.Clear()
	s.pendingTargets = nil
	go s.drainAndFinish()
}

func (s *Scheduler) drainAndFinish() {
	for len(s.pool.Active()) > 0 {
		<-s.pool.Events()
	}
	if s.jobs.IsAcquiring() {
		<-s.jobs.Acquired()
	}
	if s.jobAcquisitionCount > 0 {
		s.jobs.Release()
		s.jobAcquisitionCount--
	}
	s.finish(ExitAborted)
}

// RemoveTempFiles asks every executor in the pool to clean up any
// inline response files it created for long command lines. Called by
// the caller once Apply returns.
func (s *Scheduler) RemoveTempFiles() {
	for _, e := range s.pool.Executors() {
		e.CleanupTempFiles()
	}
}

// Shutdown releases the job-server endpoint.
func (s *Scheduler) Shutdown() {
	s.jobs.Shutdown()
}

// DumpPlain renders the graph as an indented tree, one target per
// line, depth expressed by leading spaces.
func (s *Scheduler) DumpPlain(w interface{ Write([]byte) (int, error) }) {
	s.graph.Walk(func(t *makefile.Target, depth int) {
		fmt.Fprintf(w, "%*s%s\n", depth*2, "", t.Name)
	})
}

// DumpDot renders the graph in Graphviz DOT format.
func (s *Scheduler) DumpDot(w interface{ Write([]byte) (int, error) }) {
	fmt.Fprint(w, "digraph G {\n")
	s.graph.Edges(func(parent, child string) {
		fmt.Fprintf(w, "  %q -> %q;\n", parent, child)
	})
	fmt.Fprint(w, "}\n")
}

// targetAdapter satisfies execpool.Target for a *makefile.Target.
type targetAdapter struct{ t *makefile.Target }

func (a targetAdapter) Name() string { return a.t.Name }

func (a targetAdapter) CommandLines() []execpool.CommandLine {
	lines := make([]execpool.CommandLine, len(a.t.Commands))
	for i, c := range a.t.Commands {
		lines[i] = execpool.CommandLine{Line: c.Line, IgnoreErrors: c.IgnoreErrors || a.t.IgnoreErrors}
	}
	return lines
}
