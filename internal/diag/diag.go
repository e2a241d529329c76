// Package diag renders the build driver's user-visible diagnostics:
// the "Error: ..." fatal line, the /K continuation notice, the
// per-target "cannot be built" skip notice, and the optional
// build-info line ("<marker> <timestamp> <target>"). Coloring follows
// the teacher's line_printer.go convention (smart-terminal detection),
// delegated to fatih/color instead of a hand-rolled isatty check.
//
// Routing follows the original driver's own split: targetexecutor.cpp
// sends the fatal Error line, the /K continuation notice, and the
// cannot-be-built notice to stderr (fprintf(stderr, ...) /
// fputs(..., stderr)); only the build-info line is a stdout printf, in
// dependencygraph.cpp's displayNodeBuildInfo.
package diag

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// Printer writes diagnostics to two writers, honoring the caller's
// verbosity setting: fatal errors and notices go to errOut, and only
// the build-info line goes to out.
type Printer struct {
	out     io.Writer
	errOut  io.Writer
	quiet   bool
	errorFn func(format string, args ...interface{}) string
	dimFn   func(format string, args ...interface{}) string
	starFn  func(format string, args ...interface{}) string
}

// New returns a Printer writing build-info lines to out and errors /
// notices to errOut. quiet suppresses build-info and continuation
// notices but never suppresses fatal errors.
func New(out, errOut io.Writer, quiet bool) *Printer {
	return &Printer{
		out:     out,
		errOut:  errOut,
		quiet:   quiet,
		errorFn: color.New(color.FgRed, color.Bold).SprintfFunc(),
		dimFn:   color.New(color.Faint).SprintfFunc(),
		starFn:  color.New(color.FgGreen).SprintfFunc(),
	}
}

// Error prints a fatal "Error: <message>" line to stderr.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.errOut, p.errorFn("Error: %s", fmt.Sprintf(format, args...)))
}

// KeepGoingNotice prints the /K continuation notice, to stderr, after
// a survivable command failure.
func (p *Printer) KeepGoingNotice() {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.errOut, p.dimFn("jom: Option /K specified. Continuing."))
}

// UnbuildableNotice prints, to stderr, the notice for a target skipped
// because a dependency failed.
func (p *Printer) UnbuildableNotice(target string) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.errOut, "jom: Target '%s' cannot be built due to failed dependencies.\n", target)
}

// BuildInfo prints one "<marker> <timestamp> <target>" line, marker
// being ' ' for an up-to-date target and '*' otherwise.
func (p *Printer) BuildInfo(target string, upToDate bool, now time.Time) {
	if p.quiet {
		return
	}
	stamp := now.Format("06/01/02 15:04:05")
	if upToDate {
		fmt.Fprintf(p.out, "  %s %s\n", stamp, target)
		return
	}
	fmt.Fprintf(p.out, "%s %s %s\n", p.starFn("*"), stamp, target)
}
