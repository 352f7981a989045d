package orch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/model-checking/padstone/pkg/params"
)

// Change is one parameter difference between the promotion source and the
// promotion target.
type Change struct {
	Key string

	// Source is the value effective in the source account.
	Source string

	// Target is the value the target account declares, empty when absent.
	Target string

	// Candidate is the value the proposal carries for this key.
	Candidate string
}

// Proposal is a candidate parameter set for promoting one account's
// configuration into another, produced for human review. Proposing never
// writes a snapshot; the operator confirms and deploys separately.
type Proposal struct {
	// Params is the merge candidate: the source account's effective
	// parameters patched per key by the target's declared project
	// parameters.
	Params map[string]string

	// Changes lists every key where the two accounts disagree.
	Changes []Change
}

// A parameterAccount exposes the two parameter views promotion compares.
// *account.Account satisfies it.
type parameterAccount interface {
	EffectiveParameters() map[string]string
	Project() *params.ProjectParams
}

// ProposePromotion diffs the source account's currently effective
// parameters against the target account's declared project parameters.
// The merge rule is a per-key patch: keys the target declares explicitly
// keep the target's values, everything else is taken from the source.
func ProposePromotion(source, target parameterAccount) *Proposal {
	effective := source.EffectiveParameters()

	declared := map[string]string{}
	if target.Project() != nil {
		declared = target.Project().Values()
	}

	p := &Proposal{Params: make(map[string]string, len(effective)+len(declared))}
	for k, v := range effective {
		p.Params[k] = v
	}
	for k, v := range declared {
		p.Params[k] = v
	}

	for k, sv := range effective {
		tv, ok := declared[k]
		if !ok || tv != sv {
			p.Changes = append(p.Changes, Change{
				Key:       k,
				Source:    sv,
				Target:    tv,
				Candidate: p.Params[k],
			})
		}
	}
	sort.Slice(p.Changes, func(i, j int) bool { return p.Changes[i].Key < p.Changes[j].Key })
	return p
}

// Summary renders the proposal for operator review.
func (p *Proposal) Summary() string {
	var b strings.Builder
	for _, c := range p.Changes {
		if c.Target == "" {
			fmt.Fprintf(&b, "%-28s %s (new to target)\n", c.Key, c.Candidate)
		} else {
			fmt.Fprintf(&b, "%-28s %s (target keeps %s)\n", c.Key, c.Source, c.Target)
		}
	}
	if b.Len() == 0 {
		b.WriteString("accounts agree, nothing to change\n")
	}
	return b.String()
}
