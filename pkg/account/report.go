package account

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/model-checking/padstone/pkg/pipelines"
	"github.com/model-checking/padstone/pkg/stacks"
)

// Report is the complete outcome of one DeployStacks call: the terminal
// status of every stack in the plan and of every pipeline waited on.
// Failures are recorded here, never raised, so one failing stack cannot
// hide the status of its siblings.
type Report struct {
	mu        sync.Mutex
	Stacks    map[string]stacks.Status
	Pipelines map[string]pipelines.Status
}

func newReport() *Report {
	return &Report{
		Stacks:    make(map[string]stacks.Status),
		Pipelines: make(map[string]pipelines.Status),
	}
}

func (r *Report) recordStack(name string, status stacks.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stacks[name] = status
}

func (r *Report) recordPipeline(name string, status pipelines.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pipelines[name] = status
}

// Failed reports whether any stack or pipeline ended in a failed or
// timed-out state.
func (r *Report) Failed() bool {
	for _, s := range r.Stacks {
		if s.Failed() || s == stacks.StatusTimeout {
			return true
		}
	}
	for _, s := range r.Pipelines {
		if s.Failed() {
			return true
		}
	}
	return false
}

// Summary renders a human-readable listing of every stack and pipeline with
// its terminal status.
func (r *Report) Summary() string {
	var b strings.Builder

	names := make([]string, 0, len(r.Stacks))
	for name := range r.Stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "stack %-24s %s\n", name, r.Stacks[name])
	}

	names = names[:0]
	for name := range r.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "pipeline %-21s %s\n", name, r.Pipelines[name])
	}

	return b.String()
}
