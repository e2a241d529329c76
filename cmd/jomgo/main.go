// Command jomgo is the outer CLI shell around the build engine in
// internal/schedule: flag parsing, description-file loading, and exit
// code mapping. The engine itself never touches os.Args, os.Exit, or
// a terminal directly.
package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"git.sr.ht/~sircmpwn/getopt"

	"github.com/jomgo/jomgo/internal/diag"
	"github.com/jomgo/jomgo/internal/fsprobe"
	"github.com/jomgo/jomgo/internal/jobtoken"
	"github.com/jomgo/jomgo/internal/makefile"
	"github.com/jomgo/jomgo/internal/procparent"
	"github.com/jomgo/jomgo/internal/schedule"
)

// ancestorHops bounds how far up the process tree IsSubInvocation
// walks before giving up on finding a matching ancestor jomgo.
const ancestorHops = 32

const usage = `usage: jomgo [-f file] [-j N] [-k] [-a] [-n] [-l load] [-i] [-o] [-g] [-d] [goal ...]

  -f file   description file to read (default: makefile)
  -j N      run N commands in parallel (default: 1, 0 means unlimited)
  -k        keep going after a command fails (NMAKE's /K)
  -a        rebuild all targets regardless of timestamps (NMAKE's /A)
  -n        show commands without running them
  -l load   don't start new commands once system load average exceeds load
  -i        display build progress information as it happens
  -o        suppress non-fatal diagnostic output
  -g        dump the dependency graph as an indented tree and exit
  -d        dump the dependency graph in Graphviz DOT format and exit
`

func main() {
	os.Exit(realMain(os.Args))
}

func realMain(args []string) int {
	options, goals, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	f, err := os.Open(options.file)
	if err != nil {
		log.Printf("jomgo: %v", err)
		return 2
	}
	defer f.Close()

	mf, err := makefile.LoadSimple(f, options.opts)
	if err != nil {
		log.Printf("jomgo: %v", err)
		return 2
	}

	printer := diag.New(os.Stdout, os.Stderr, options.opts.Quiet)
	probe := fsprobe.New()
	jobs := jobtoken.New(options.opts.MaxLoadAverage)

	env := jobserverEnv(os.Environ())

	sched := schedule.New(options.opts.MaxNumberOfJobs, env, options.opts.DryRun, probe, jobs, printer)
	defer sched.Shutdown()

	code, err := sched.Apply(mf, goals, env)
	sched.RemoveTempFiles()
	if err != nil {
		printer.Error("%s", err.Error())
		return 2
	}

	if options.opts.DumpDependencyGraph {
		sched.DumpPlain(os.Stdout)
		return 0
	}
	if options.opts.DumpDependencyGraphDot {
		sched.DumpDot(os.Stdout)
		return 0
	}

	return int(code)
}

// jobserverEnv decides whether env's inherited MAKEFLAGS jobserver
// fds, if any, are safe to trust. A MAKEFLAGS value can survive in the
// environment across an unrelated exec (a shell script forwarding its
// own env to an unrelated command, for instance) without any actual
// parent jomgo/make holding the other end of that pipe; walking the
// process ancestry for a jomgo executable before trusting the fds
// keeps a stale MAKEFLAGS from wiring jobtoken.Client up to a pipe
// nothing is feeding tokens into.
func jobserverEnv(env []string) []string {
	self, err := os.Executable()
	if err != nil {
		return env
	}
	if procparent.IsSubInvocation(procparent.ProcFS{}, self, ancestorHops) {
		return env
	}

	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "MAKEFLAGS=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

type cliOptions struct {
	file string
	opts makefile.Options
}

func parseArgs(args []string) (cliOptions, []string, error) {
	result := cliOptions{
		file: "makefile",
		opts: makefile.Options{MaxNumberOfJobs: 1},
	}

	opts, optind, err := getopt.Getopts(args, "f:j:kanl:iogd")
	if err != nil {
		return result, nil, err
	}

	for _, optV := range opts {
		switch optV.Option {
		case 'f':
			result.file = optV.Value
		case 'j':
			n, err := strconv.Atoi(optV.Value)
			if err != nil || n < 0 {
				return result, nil, fmt.Errorf("jomgo: invalid /j parameter %q", optV.Value)
			}
			if n == 0 {
				n = math.MaxInt32
			}
			result.opts.MaxNumberOfJobs = n
		case 'k':
			result.opts.BuildUnrelatedTargetsOnError = true
		case 'a':
			result.opts.BuildAllTargets = true
		case 'n':
			result.opts.DryRun = true
		case 'l':
			v, err := strconv.ParseFloat(optV.Value, 64)
			if err != nil {
				return result, nil, fmt.Errorf("jomgo: invalid /l parameter %q", optV.Value)
			}
			result.opts.MaxLoadAverage = v
		case 'i':
			result.opts.DisplayBuildInfo = true
		case 'g':
			result.opts.DumpDependencyGraph = true
		case 'o':
			result.opts.Quiet = true
		case 'd':
			result.opts.DumpDependencyGraphDot = true
		}
	}

	if result.opts.MaxNumberOfJobs < 1 {
		result.opts.MaxNumberOfJobs = 1
	}

	return result, args[optind:], nil
}
