// Package jobtoken implements the client side of a GNU-make-compatible
// job-server protocol: a pipe of single-byte tokens shared by
// cooperating build processes so that a parent build and any make/jom
// children it launches recursively stay within one fleet-wide
// concurrency budget.
//
// The first concurrent command slot needs no token — it is the
// "free slot" every job-server participant is implicitly entitled
// to — every slot after that must hold exactly one token for the
// duration of its child process.
package jobtoken

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	loadavg "github.com/mikoim/go-loadavg"
	"github.com/tevino/abool/v2"
)

const envKey = "MAKEFLAGS"

// loadPollInterval is how often a throttled AsyncAcquire re-checks
// the system load average before attempting to read a token.
const loadPollInterval = 200 * time.Millisecond

// Client mediates acquisition and release of job tokens. It is safe
// for the acquiring goroutine and the scheduler's loop goroutine to
// call different methods concurrently, but AsyncAcquire must not be
// called again before the previous one's result has been consumed.
type Client struct {
	readFD  *os.File
	writeFD *os.File
	ownsPipe bool

	maxLoadAverage float64

	acquiring *abool.AtomicBool
	acquired  chan struct{}

	mu        sync.Mutex
	errString string
}

// New returns an unstarted Client. maxLoadAverage <= 0 disables the
// load-average throttle.
func New(maxLoadAverage float64) *Client {
	return &Client{
		acquiring:      abool.New(),
		acquired:       make(chan struct{}, 1),
		maxLoadAverage: maxLoadAverage,
	}
}

// Start either attaches to a job-server endpoint inherited via env
// (a sub-invocation, embedded in MAKEFLAGS as
// "--jobserver-auth=R,W"), or creates a new one sized maxJobs-1 — the
// implicit first token belongs to this process itself. It returns the
// MAKEFLAGS fragment to propagate to child processes so they can
// attach to the same endpoint in turn.
func (c *Client) Start(maxJobs int, env []string) (makeflags string, err error) {
	if r, w, ok := parseJobserverAuth(env); ok {
		readFD := os.NewFile(uintptr(r), "jobserver-read")
		writeFD := os.NewFile(uintptr(w), "jobserver-write")
		if readFD == nil || writeFD == nil {
			return "", c.fail("inherited jobserver fds %d,%d are not open", r, w)
		}
		c.readFD, c.writeFD = readFD, writeFD
		c.ownsPipe = false
		return fmt.Sprintf("--jobserver-auth=%d,%d", r, w), nil
	}

	if maxJobs < 1 {
		return "", c.fail("invalid parallelism %d", maxJobs)
	}
	tokens := maxJobs - 1
	r, w, err := os.Pipe()
	if err != nil {
		return "", c.fail("creating jobserver pipe: %v", err)
	}
	for i := 0; i < tokens; i++ {
		if _, err := w.Write([]byte{'+'}); err != nil {
			r.Close()
			w.Close()
			return "", c.fail("seeding jobserver pipe: %v", err)
		}
	}
	c.readFD, c.writeFD = r, w
	c.ownsPipe = true
	return fmt.Sprintf("--jobserver-auth=%d,%d", r.Fd(), w.Fd()), nil
}

func (c *Client) fail(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.errString = msg
	c.mu.Unlock()
	return fmt.Errorf("jobtoken: %s", msg)
}

// ErrorString returns the human-readable reason the last failing
// operation failed, or "" if none has.
func (c *Client) ErrorString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errString
}

// AsyncAcquire begins a non-blocking request for one token. The
// caller learns of success by receiving from Acquired(). Calling it
// again before the previous acquire settles is a programmer error.
func (c *Client) AsyncAcquire() {
	c.acquiring.Set()
	go func() {
		for c.overLoadLimit() {
			time.Sleep(loadPollInterval)
		}
		buf := make([]byte, 1)
		c.readFD.Read(buf)
		c.acquiring.UnSet()
		c.acquired <- struct{}{}
	}()
}

func (c *Client) overLoadLimit() bool {
	if c.maxLoadAverage <= 0 {
		return false
	}
	stat, err := loadavg.Parse()
	return err == nil && stat.LoadAverage1 >= c.maxLoadAverage
}

// Acquired is the channel AsyncAcquire signals on once a token has
// been read.
func (c *Client) Acquired() <-chan struct{} { return c.acquired }

// IsAcquiring reports whether an AsyncAcquire is outstanding.
func (c *Client) IsAcquiring() bool { return c.acquiring.IsSet() }

// Release returns one token to the pool.
func (c *Client) Release() {
	c.writeFD.Write([]byte{'+'})
}

// Shutdown releases the pipe. It must only be called once any
// outstanding AsyncAcquire has settled (drained by the scheduler
// before calling this), and, if this Client created the pipe, closes
// both ends; an inherited endpoint is left open for the parent.
func (c *Client) Shutdown() {
	if c.readFD == nil {
		return
	}
	if c.ownsPipe {
		c.readFD.Close()
		c.writeFD.Close()
	}
}

func parseJobserverAuth(env []string) (r, w int, ok bool) {
	for _, kv := range env {
		key, val, found := strings.Cut(kv, "=")
		if !found || key != envKey {
			continue
		}
		idx := strings.Index(val, "--jobserver-auth=")
		if idx < 0 {
			idx = strings.Index(val, "--jobserver-fds=")
			if idx < 0 {
				continue
			}
			idx += len("--jobserver-fds=")
		} else {
			idx += len("--jobserver-auth=")
		}
		rest := val[idx:]
		if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			rest = rest[:sp]
		}
		parts := strings.SplitN(rest, ",", 2)
		if len(parts) != 2 {
			continue
		}
		rn, err1 := strconv.Atoi(parts[0])
		wn, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		return rn, wn, true
	}
	return 0, 0, false
}
