package execpool

import "sync"

// Pool owns a fixed-size set of Executors and fans events between
// them: an environment mutation from one executor is broadcast to
// every other, and a finished target is forwarded to the scheduler's
// channel. This is the "internal event bus" the design notes call
// for in place of the teacher's direct signal/slot wiring between
// pool members.
type Pool struct {
	mu        sync.Mutex
	executors []*Executor
	finished  chan Finished
}

// NewPool builds n Executors sharing baseEnv, with executor 0 elected
// as the initial streaming worker so output is never silent before
// the first dispatch. dryRun is forwarded to every executor so "-n"
// applies uniformly across the pool.
func NewPool(n int, baseEnv []string, dryRun bool) *Pool {
	p := &Pool{finished: make(chan Finished, n)}
	for i := 0; i < n; i++ {
		p.executors = append(p.executors, New(i, p, baseEnv, i == 0, dryRun))
	}
	return p
}

// Executors returns the pool's worker slots, in slot order.
func (p *Pool) Executors() []*Executor { return p.executors }

// Idle returns every executor currently not running a target, in
// slot order, read from each executor's live state. The scheduler
// keeps its own availableProcesses list and does not use this.
func (p *Pool) Idle() []*Executor {
	var idle []*Executor
	for _, e := range p.executors {
		if e.Idle() {
			idle = append(idle, e)
		}
	}
	return idle
}

// Active returns every executor currently running a target.
func (p *Pool) Active() []*Executor {
	var active []*Executor
	for _, e := range p.executors {
		if !e.Idle() {
			active = append(active, e)
		}
	}
	return active
}

// Events is the channel the scheduler drains for completed commands.
func (p *Pool) Events() <-chan Finished { return p.finished }

// SetEnv replaces the base environment every executor in the pool
// spawns commands with. The scheduler calls this once, after the
// job-server endpoint is resolved, so a MAKEFLAGS jobserver-auth
// fragment created after pool construction still reaches every
// worker's child processes — the same ApplyEnv path a "set VAR=val"
// recipe line's fan-out already uses, just seeded from the scheduler
// instead of from a peer executor.
func (p *Pool) SetEnv(env []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.executors {
		e.ApplyEnv(env)
	}
}

// EnvChanged implements Bus: fan a mutated environment out to every
// executor except the one that produced it, which already has it.
func (p *Pool) EnvChanged(from *Executor, env []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.executors {
		if e == from {
			continue
		}
		e.ApplyEnv(env)
	}
}

// Finished implements Bus: forward the event to the scheduler.
func (p *Pool) Finished(f Finished) {
	p.finished <- f
}
