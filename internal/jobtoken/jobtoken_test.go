package jobtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartCreatesPipeSizedToParallelismMinusOne(t *testing.T) {
	c := New(-1)
	makeflags, err := c.Start(4, nil)
	require.NoError(t, err)
	require.Contains(t, makeflags, "--jobserver-auth=")
	t.Cleanup(c.Shutdown)

	for i := 0; i < 3; i++ {
		c.AsyncAcquire()
		select {
		case <-c.Acquired():
		case <-time.After(time.Second):
			t.Fatalf("token %d should have been immediately available", i)
		}
	}

	c.AsyncAcquire()
	select {
	case <-c.Acquired():
		t.Fatal("a fourth token should not be available: only 3 were seeded for -j4")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReleaseReturnsATokenToThePool(t *testing.T) {
	c := New(-1)
	_, err := c.Start(2, nil)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	c.AsyncAcquire()
	<-c.Acquired()

	c.Release()

	c.AsyncAcquire()
	select {
	case <-c.Acquired():
	case <-time.After(time.Second):
		t.Fatal("released token should have been immediately reacquirable")
	}
}

func TestStartAttachesToInheritedJobserverAuth(t *testing.T) {
	parent := New(-1)
	makeflags, err := parent.Start(3, nil)
	require.NoError(t, err)
	t.Cleanup(parent.Shutdown)

	child := New(-1)
	childFlags, err := child.Start(0, []string{"MAKEFLAGS=" + makeflags})
	require.NoError(t, err)
	require.Equal(t, makeflags, childFlags)

	child.AsyncAcquire()
	select {
	case <-child.Acquired():
	case <-time.After(time.Second):
		t.Fatal("child should share the parent's token pool")
	}
}

func TestStartRejectsInvalidParallelism(t *testing.T) {
	c := New(-1)
	_, err := c.Start(0, nil)
	require.Error(t, err)
	require.NotEmpty(t, c.ErrorString())
}

func TestParseJobserverAuthAcceptsBothFlagSpellings(t *testing.T) {
	r, w, ok := parseJobserverAuth([]string{"MAKEFLAGS= -j4 --jobserver-auth=7,8"})
	require.True(t, ok)
	require.Equal(t, 7, r)
	require.Equal(t, 8, w)

	r, w, ok = parseJobserverAuth([]string{"MAKEFLAGS=--jobserver-fds=3,4 -w"})
	require.True(t, ok)
	require.Equal(t, 3, r)
	require.Equal(t, 4, w)

	_, _, ok = parseJobserverAuth([]string{"PATH=/usr/bin"})
	require.False(t, ok)
}
