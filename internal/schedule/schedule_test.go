package schedule

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jomgo/jomgo/internal/diag"
	"github.com/jomgo/jomgo/internal/fsprobe"
	"github.com/jomgo/jomgo/internal/jobtoken"
	"github.com/jomgo/jomgo/internal/makefile"
)

func newHarness(t *testing.T, mf *makefile.Makefile, maxJobs int) (*Scheduler, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	sched := New(maxJobs, os.Environ(), false, fsprobe.New(), jobtoken.New(-1), diag.New(&out, &out, true))
	t.Cleanup(sched.Shutdown)
	return sched, &out
}

func TestApplyBuildsADiamondDependencyToCompletion(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app")
	aObj := filepath.Join(dir, "a.o")
	bObj := filepath.Join(dir, "b.o")
	common := filepath.Join(dir, "common.h")

	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 2})
	mf.AddTarget(&makefile.Target{Name: app, Dependents: []string{aObj, bObj}, Commands: []makefile.Command{{Line: "touch " + app}}})
	mf.AddTarget(&makefile.Target{Name: aObj, Dependents: []string{common}, Commands: []makefile.Command{{Line: "touch " + aObj}}})
	mf.AddTarget(&makefile.Target{Name: bObj, Dependents: []string{common}, Commands: []makefile.Command{{Line: "touch " + bObj}}})
	mf.AddTarget(&makefile.Target{Name: common, Commands: []makefile.Command{{Line: "touch " + common}}})

	sched, _ := newHarness(t, mf, 2)

	code, err := sched.Apply(mf, nil, os.Environ())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, code)

	for _, p := range []string{app, aObj, bObj, common} {
		require.FileExists(t, p)
	}
}

func TestApplyFailFastAbortsWithoutRunningDependents(t *testing.T) {
	dir := t.TempDir()
	leaf := filepath.Join(dir, "leaf")
	root := filepath.Join(dir, "root")

	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 1})
	mf.AddTarget(&makefile.Target{Name: root, Dependents: []string{leaf}, Commands: []makefile.Command{{Line: "touch " + root}}})
	mf.AddTarget(&makefile.Target{Name: leaf, Commands: []makefile.Command{{Line: "exit 1"}}})

	sched, _ := newHarness(t, mf, 1)

	code, err := sched.Apply(mf, nil, os.Environ())
	require.NoError(t, err)
	require.Equal(t, ExitAborted, code)
	require.NoFileExists(t, root)
}

func TestApplyKeepGoingBuildsUnrelatedTargetsAfterAFailure(t *testing.T) {
	dir := t.TempDir()
	failing := filepath.Join(dir, "failing")
	dependent := filepath.Join(dir, "dependent")
	unrelated := filepath.Join(dir, "unrelated")

	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 1, BuildUnrelatedTargetsOnError: true})
	mf.AddTarget(&makefile.Target{Name: "root", Dependents: []string{dependent}, Commands: []makefile.Command{{Line: "touch " + filepath.Join(dir, "root")}}})
	mf.AddTarget(&makefile.Target{Name: dependent, Dependents: []string{failing}, Commands: []makefile.Command{{Line: "touch " + dependent}}})
	mf.AddTarget(&makefile.Target{Name: failing, Commands: []makefile.Command{{Line: "exit 1"}}})
	mf.AddTarget(&makefile.Target{Name: unrelated, Commands: []makefile.Command{{Line: "touch " + unrelated}}})

	sched, out := newHarness(t, mf, 1)

	code, err := sched.Apply(mf, []string{"root", unrelated}, os.Environ())
	require.NoError(t, err)
	require.Equal(t, ExitKeepGoing, code)

	require.NoFileExists(t, dependent)
	require.FileExists(t, unrelated)
	_ = out
}

func TestApplyRejectsUnknownGoal(t *testing.T) {
	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 1})
	mf.AddTarget(&makefile.Target{Name: "only", Commands: []makefile.Command{{Line: "true"}}})

	sched, _ := newHarness(t, mf, 1)

	_, err := sched.Apply(mf, []string{"missing"}, os.Environ())
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestApplyRejectsEmptyMakefile(t *testing.T) {
	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 1})
	sched, _ := newHarness(t, mf, 1)

	_, err := sched.Apply(mf, nil, os.Environ())
	require.Error(t, err)
}

func TestDumpPlainRendersIndentedTree(t *testing.T) {
	mf := makefile.New(makefile.Options{MaxNumberOfJobs: 1, DumpDependencyGraph: true})
	mf.AddTarget(&makefile.Target{Name: "app", Dependents: []string{"lib.o"}})
	mf.AddTarget(&makefile.Target{Name: "lib.o"})

	sched, _ := newHarness(t, mf, 1)
	code, err := sched.Apply(mf, nil, os.Environ())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, code)

	var out bytes.Buffer
	sched.DumpPlain(&out)
	require.Contains(t, out.String(), "app")
	require.Contains(t, out.String(), "lib.o")
}
