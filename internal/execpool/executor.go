// Package execpool implements the pool of command executors the
// scheduler dispatches leaf targets to. Each Executor owns one
// worker slot: it runs a target's command list sequentially, streams
// or buffers the child output depending on its election, and reports
// completion back to the pool's event bus.
//
// The teacher's C++ model wires CommandExecutor "finished" and
// "environmentChanged" signals directly between pool peers; in Go
// that becomes a small internal event bus (Pool) that executors post
// to and the scheduler drains from a channel, per the design note on
// replacing signal/slot fan-out with posted events.
package execpool

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/tevino/abool/v2"
)

// Finished is the event an Executor posts to its Pool when a
// target's command list has run to completion or aborted on failure.
type Finished struct {
	Executor      *Executor
	Target        Target
	CommandFailed bool
}

// Runner abstracts child-process execution so tests can substitute a
// fake without spawning real processes.
type Runner interface {
	// Run executes line under the platform shell with env, returning
	// combined output and whether it exited zero.
	Run(line string, env []string) (output string, ok bool)
}

// ShellRunner runs a command line with "bash -c", the same
// platform-shell invocation the teacher's Linux Subprocess uses.
type ShellRunner struct {
	// Stream, when non-nil, receives child output live instead of it
	// being captured and returned in output. Used by the streaming
	// worker.
	Stream *os.File
}

func (r ShellRunner) Run(line string, env []string) (string, bool) {
	cmd := exec.Command("bash", "-c", line)
	cmd.Env = env
	if r.Stream != nil {
		cmd.Stdout = r.Stream
		cmd.Stderr = r.Stream
		err := cmd.Run()
		return "", err == nil
	}
	out, err := cmd.CombinedOutput()
	return string(out), err == nil
}

// DryRunRunner prints each command line to stdout and reports it as
// having succeeded without spawning a child process, mirroring the
// teacher's DryRunCommandRunner: it exists so "-n" can show what would
// run without actually running it.
type DryRunRunner struct{}

func (DryRunRunner) Run(line string, env []string) (string, bool) {
	fmt.Fprintln(os.Stdout, line)
	return "", true
}

var setBuiltin = regexp.MustCompile(`(?i)^\s*set\s+([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Bus is how an Executor reports back to its pool: an environment
// mutation to fan out to every peer, and a target-finished event to
// route to the scheduler.
type Bus interface {
	EnvChanged(from *Executor, env []string)
	Finished(f Finished)
}

// Target is the minimal view of a build target an Executor needs;
// satisfied by *makefile.Target. Kept as an interface here so this
// package does not import makefile, avoiding a dependency cycle with
// packages that need both the pool and the model.
type Target interface {
	Name() string
	CommandLines() []CommandLine
}

// CommandLine is one recipe line plus its ignore-errors modifier.
type CommandLine struct {
	Line         string
	IgnoreErrors bool
}

// Executor runs one worker slot's sequence of commands.
type Executor struct {
	id     int
	bus    Bus
	runner Runner

	envMu sync.Mutex
	env   []string

	streaming *abool.AtomicBool

	stateMu  sync.Mutex
	current  Target
	cmdIndex int
	buf      bytes.Buffer

	rspFiles []string
}

// New returns an idle Executor. streaming marks it as the one worker
// allowed to write child output directly rather than buffering it.
// dryRun makes it report every command as succeeded without spawning
// a child process.
func New(id int, bus Bus, env []string, streaming, dryRun bool) *Executor {
	var runner Runner = ShellRunner{}
	if dryRun {
		runner = DryRunRunner{}
	}
	e := &Executor{
		id:        id,
		bus:       bus,
		runner:    runner,
		env:       append([]string(nil), env...),
		streaming: abool.New(),
	}
	e.streaming.SetTo(streaming)
	return e
}

// ID returns the executor's pool slot index.
func (e *Executor) ID() int { return e.id }

// Idle reports whether the executor is not currently running a
// target.
func (e *Executor) Idle() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.current == nil
}

func (e *Executor) setCurrent(t Target) {
	e.stateMu.Lock()
	e.current = t
	e.stateMu.Unlock()
}

// SetStreaming toggles whether this executor writes child output
// directly to the parent's stdout/stderr, or buffers it and flushes
// atomically per command. Exactly one executor in a pool should be
// streaming at a time; the pool/scheduler enforces that invariant.
// Safe to call while the executor is mid-command: the flag is read at
// the top of each command, not cached for the target's lifetime.
func (e *Executor) SetStreaming(streaming bool) { e.streaming.SetTo(streaming) }

// Streaming reports the executor's current streaming election.
func (e *Executor) Streaming() bool { return e.streaming.IsSet() }

func (e *Executor) snapshotEnv() []string {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	return append([]string(nil), e.env...)
}

// ApplyEnv is called by the pool when a peer executor's command
// mutated the environment, so every subsequent command this executor
// runs observes the change too.
func (e *Executor) ApplyEnv(env []string) {
	e.envMu.Lock()
	e.env = append([]string(nil), env...)
	e.envMu.Unlock()
}

func (e *Executor) setVar(key, value string) []string {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	prefix := key + "="
	for i, kv := range e.env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			e.env[i] = prefix + value
			return append([]string(nil), e.env...)
		}
	}
	e.env = append(e.env, prefix+value)
	return append([]string(nil), e.env...)
}

// Start begins running target's command list. It is a programmer
// error to call Start while the executor is not idle.
func (e *Executor) Start(target Target) {
	if !e.Idle() {
		panic("execpool: Start called on a busy executor")
	}
	e.setCurrent(target)
	e.cmdIndex = 0
	go e.run(target)
}

func (e *Executor) run(target Target) {
	lines := target.CommandLines()

	for i, cl := range lines {
		e.cmdIndex = i
		failed := e.runOne(target.Name(), cl)
		if failed && !cl.IgnoreErrors {
			e.finish(target, true)
			return
		}
	}
	e.finish(target, false)
}

func (e *Executor) runOne(targetName string, cl CommandLine) bool {
	if m := setBuiltin.FindStringSubmatch(cl.Line); m != nil {
		env := e.setVar(m[1], m[2])
		e.bus.EnvChanged(e, env)
		return false
	}

	line := cl.Line
	var runner Runner = e.runner
	if len(line) > longCommandThreshold {
		if rsp, err := e.writeResponseFile(targetName, line); err == nil {
			line = "bash " + rsp
		}
	}

	if e.Streaming() {
		if sr, ok := runner.(ShellRunner); ok {
			sr.Stream = os.Stdout
			runner = sr
		}
		_, ok := runner.Run(line, e.snapshotEnv())
		return !ok
	}

	e.buf.Reset()
	output, ok := runner.Run(line, e.snapshotEnv())
	e.buf.WriteString(output)
	e.flushBuffered()
	return !ok
}

// flushBuffered writes the current command's buffered output
// atomically, so parallel builds' interleaved output stays grouped by
// command rather than by line.
func (e *Executor) flushBuffered() {
	if e.buf.Len() == 0 {
		return
	}
	os.Stdout.Write(e.buf.Bytes())
	e.buf.Reset()
}

const longCommandThreshold = 32000

func (e *Executor) writeResponseFile(targetName, line string) (string, error) {
	f, err := os.CreateTemp("", "jomgo-rsp-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return "", err
	}
	e.rspFiles = append(e.rspFiles, f.Name())
	return f.Name(), nil
}

// CleanupTempFiles removes any inline response files this executor
// created for long command lines.
func (e *Executor) CleanupTempFiles() {
	for _, path := range e.rspFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "jomgo: cleanup %s: %v\n", path, err)
		}
	}
	e.rspFiles = nil
}

func (e *Executor) finish(target Target, failed bool) {
	e.setCurrent(nil)
	e.bus.Finished(Finished{Executor: e, Target: target, CommandFailed: failed})
}

// String helps with test failure messages and log lines.
func (e *Executor) String() string {
	return "executor#" + strconv.Itoa(e.id)
}
