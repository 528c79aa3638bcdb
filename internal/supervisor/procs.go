package supervisor

import (
	"os/exec"
	"sort"
	"sync"
)

// workerProc is one live worker child.
type workerProc struct {
	ordinal  int
	workerID string
	pid      int
	cmd      *exec.Cmd
}

// processSet is the supervisor-owned registry of live worker processes.
// All access goes through it; there is no free-floating global set.
type processSet struct {
	mu    sync.Mutex
	procs map[int]*workerProc // keyed by ordinal
}

func newProcessSet() *processSet {
	return &processSet{procs: make(map[int]*workerProc)}
}

func (ps *processSet) register(p *workerProc) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.procs[p.ordinal] = p
}

func (ps *processSet) remove(ordinal int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.procs, ordinal)
}

func (ps *processSet) list() []*workerProc {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	procs := make([]*workerProc, 0, len(ps.procs))
	for _, p := range ps.procs {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, k int) bool { return procs[i].ordinal < procs[k].ordinal })
	return procs
}

func (ps *processSet) pids() []int {
	procs := ps.list()
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.pid)
	}
	return pids
}

func (ps *processSet) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.procs)
}
