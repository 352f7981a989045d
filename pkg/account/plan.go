package account

import "fmt"

// StackSpec declares one deployable unit: the template it is built from,
// the parameters the template requires and the pipelines that must reach a
// terminal state after the stack stabilizes.
type StackSpec struct {
	Name       string
	Template   string
	Parameters []string
	Pipelines  []string

	// Defaults supply the lowest priority parameter tier for this stack.
	Defaults map[string]string
}

// Plan is the set of stacks to deploy in one DeployStacks call, partitioned
// into dependency tiers. Stacks within a tier deploy concurrently; a later
// tier may consume an earlier tier's outputs as parameter sources.
type Plan struct {
	Tiers [][]StackSpec
}

// PlanOf builds a single-tier plan from independent stacks.
func PlanOf(specs ...StackSpec) Plan {
	return Plan{Tiers: [][]StackSpec{specs}}
}

// Stacks returns every stack in the plan, tier order preserved.
func (p Plan) Stacks() []StackSpec {
	var all []StackSpec
	for _, tier := range p.Tiers {
		all = append(all, tier...)
	}
	return all
}

// Pipelines returns the pipeline names associated with the plan's stacks.
func (p Plan) Pipelines() []string {
	var names []string
	for _, spec := range p.Stacks() {
		names = append(names, spec.Pipelines...)
	}
	return names
}

// Validate checks the plan names each stack exactly once.
func (p Plan) Validate() error {
	seen := make(map[string]bool)
	for _, spec := range p.Stacks() {
		if spec.Name == "" {
			return fmt.Errorf("plan contains a stack with no name")
		}
		if spec.Template == "" {
			return fmt.Errorf("stack %s has no template", spec.Name)
		}
		if seen[spec.Name] {
			return fmt.Errorf("stack %s appears more than once in the plan", spec.Name)
		}
		seen[spec.Name] = true
	}
	if len(seen) == 0 {
		return fmt.Errorf("plan contains no stacks")
	}
	return nil
}
