package makefile

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProbe is a minimal fsprobe.Prober double for exercising Target's
// own existence/timestamp cache in isolation from the graph package.
type fakeProbe struct {
	calls int
	exist bool
	mtime time.Time
}

func (p *fakeProbe) Exists(path string) bool { return p.exist }

func (p *fakeProbe) ModTime(path string) (time.Time, bool) {
	p.calls++
	return p.mtime, p.exist
}

func (p *fakeProbe) Stat(path string) (time.Time, bool) {
	p.calls++
	return p.mtime, p.exist
}

func (p *fakeProbe) Invalidate(path string) {}
func (p *fakeProbe) InvalidateAll()          {}

func TestAddTargetAndFirstTarget(t *testing.T) {
	mf := New(Options{})
	a := mf.AddTarget(&Target{Name: "a"})
	mf.AddTarget(&Target{Name: "b"})

	require.Same(t, a, mf.FirstTarget())
	require.Equal(t, a, mf.Target("a"))
	require.Nil(t, mf.Target("missing"))
}

func TestTargetExistsCachesAPositiveAnswer(t *testing.T) {
	target := &Target{Name: "a"}
	probe := &fakeProbe{exist: true, mtime: time.Unix(1000, 0)}

	require.True(t, target.Exists(probe))
	require.True(t, target.Exists(probe))
	require.Equal(t, 1, probe.calls, "a cached existing target must not re-probe")
}

func TestTargetExistsAlwaysRetriesAMissingAnswer(t *testing.T) {
	target := &Target{Name: "a"}
	probe := &fakeProbe{exist: false}

	require.False(t, target.Exists(probe))
	require.False(t, target.Exists(probe))
	require.Equal(t, 2, probe.calls, "a missing target may appear mid-build and must be re-probed")
}

func TestTargetTimeStampReflectsCachedProbe(t *testing.T) {
	target := &Target{Name: "a"}
	probe := &fakeProbe{exist: true, mtime: time.Unix(1234, 5678)}

	ts, ok := target.TimeStamp(probe)
	require.True(t, ok)
	require.True(t, ts.Equal(time.Unix(1234, 5678)))
}

func TestInvalidateTimeStampsClearsEveryTargetsCache(t *testing.T) {
	mf := New(Options{})
	a := mf.AddTarget(&Target{Name: "a"})
	probe := &fakeProbe{exist: true, mtime: time.Unix(1000, 0)}

	require.True(t, a.Exists(probe))
	require.Equal(t, 1, probe.calls)

	mf.InvalidateTimeStamps()

	require.True(t, a.Exists(probe))
	require.Equal(t, 2, probe.calls, "invalidation must force a re-probe")
}

func TestApplyInferenceRulesBindsMatchingSuffix(t *testing.T) {
	mf := New(Options{})
	rule := &InferenceRule{
		FromSuffix: ".c",
		ToSuffix:   ".obj",
		Commands:   []Command{{Line: "cc -c $*.c"}},
	}
	obj := mf.AddTarget(&Target{Name: "foo.obj", Rules: []*InferenceRule{rule}})
	other := mf.AddTarget(&Target{Name: "bar.exe", Rules: []*InferenceRule{rule}})

	mf.ApplyInferenceRules([]*Target{obj, other})

	require.Len(t, obj.Commands, 1)
	require.Equal(t, "cc -c $*.c", obj.Commands[0].Line)
	require.Empty(t, other.Commands)
}

func TestApplyInferenceRulesSkipsTargetsWithOwnCommands(t *testing.T) {
	mf := New(Options{})
	rule := &InferenceRule{ToSuffix: ".obj", Commands: []Command{{Line: "should not be used"}}}
	target := mf.AddTarget(&Target{
		Name:     "foo.obj",
		Commands: []Command{{Line: "explicit command"}},
		Rules:    []*InferenceRule{rule},
	})

	mf.ApplyInferenceRules([]*Target{target})

	require.Len(t, target.Commands, 1)
	require.Equal(t, "explicit command", target.Commands[0].Line)
}

func TestLoadSimpleParsesTargetsAndRecipes(t *testing.T) {
	src := "app: main.o util.o\n\tcc -o app main.o util.o\n\nmain.o: main.c\n\tcc -c main.c\n\t-echo done\n"
	mf, err := LoadSimple(strings.NewReader(src), Options{})
	require.NoError(t, err)

	app := mf.Target("app")
	require.NotNil(t, app)
	require.Equal(t, []string{"main.o", "util.o"}, app.Dependents)
	require.Len(t, app.Commands, 1)

	mainO := mf.Target("main.o")
	require.NotNil(t, mainO)
	require.Len(t, mainO.Commands, 2)
	require.False(t, mainO.Commands[0].IgnoreErrors)
	require.True(t, mainO.Commands[1].IgnoreErrors)
	require.Equal(t, "echo done", mainO.Commands[1].Line)
}

func TestLoadSimpleAppliesTargetLevelIgnoreErrors(t *testing.T) {
	src := "-flaky: \n\techo one\n\techo two\n"
	mf, err := LoadSimple(strings.NewReader(src), Options{})
	require.NoError(t, err)

	flaky := mf.Target("flaky")
	require.NotNil(t, flaky)
	require.True(t, flaky.IgnoreErrors)
	require.Len(t, flaky.Commands, 2)
	require.False(t, flaky.Commands[0].IgnoreErrors, "target-level flag doesn't rewrite each command's own flag")
}

func TestLoadSimpleRejectsOrphanRecipeLine(t *testing.T) {
	_, err := LoadSimple(strings.NewReader("\techo hi\n"), Options{})
	require.Error(t, err)
}
