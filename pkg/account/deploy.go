package account

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/model-checking/padstone/pkg/params"
	"github.com/model-checking/padstone/pkg/pipelines"
	"github.com/model-checking/padstone/pkg/snapshot"
	"github.com/model-checking/padstone/pkg/stacks"
)

// maxConcurrentDeploys bounds in-flight stack operations per tier to stay
// inside AWS API rate limits.
const maxConcurrentDeploys = 4

type deployOptions struct {
	store     *snapshot.Manager
	ownStore  bool
	overrides map[string]string
}

// DeployOption customizes one DeployStacks call.
type DeployOption func(*deployOptions)

// WithOverrides supplies per-call parameter values that take precedence
// over every resolution tier. Used for explicit package or account pinning.
func WithOverrides(overrides map[string]string) DeployOption {
	return func(o *deployOptions) {
		o.overrides = overrides
	}
}

// FromSnapshotStore fetches templates from the account's own snapshot store
// instead of the local filesystem.
func FromSnapshotStore() DeployOption {
	return func(o *deployOptions) {
		o.store = nil
		o.ownStore = true
	}
}

// FromSnapshotStoreOf fetches templates from another account's snapshot
// store, such as when promoting a snapshot created in a different account.
func FromSnapshotStoreOf(store *snapshot.Manager) DeployOption {
	return func(o *deployOptions) {
		o.store = store
	}
}

// DeployStacks deploys a plan tier by tier. Stacks within a tier deploy
// concurrently and the next tier starts only once every stack in the
// current tier has reached a terminal status. Parameter resolution for a
// tier runs after the outputs refresh and before any of that tier's remote
// mutations; a conflict or missing parameter aborts the call at that point,
// so a first-tier resolution failure issues zero mutations. A later tier may
// consume outputs produced by an earlier one, which is why resolution cannot
// run for the whole plan up front. A stack reaching a failed terminal status
// is recorded in the report and deployment continues, so the report reflects
// the complete outcome. After the final tier stabilizes, the pipelines of
// every successfully deployed stack are waited on. Already-issued mutations
// are never rolled back; rollback is redeploying an older snapshot.
func (a *Account) DeployStacks(ctx context.Context, plan Plan, opts ...DeployOption) (*Report, error) {
	var o deployOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	overrides := make(map[string]string, len(o.overrides)+2)
	for k, v := range o.overrides {
		overrides[k] = v
	}
	if _, ok := overrides["SnapshotID"]; !ok && a.snapshotID != "" {
		overrides["SnapshotID"] = a.snapshotID
	}
	if _, ok := overrides["S3BucketToolsName"]; !ok {
		overrides["S3BucketToolsName"] = a.sharedBucket
	}

	if err := a.refreshOutputs(ctx); err != nil {
		return nil, err
	}

	report := newReport()
	for i, tier := range plan.Tiers {
		if i > 0 {
			// A later tier may consume outputs produced by an earlier one.
			if err := a.refreshOutputs(ctx); err != nil {
				return report, err
			}
		}
		if err := a.deployTier(ctx, tier, overrides, &o, report); err != nil {
			return report, err
		}
	}

	if err := a.waitPlanPipelines(ctx, plan, report); err != nil {
		return report, err
	}

	return report, nil
}

func (a *Account) deployTier(ctx context.Context, tier []StackSpec, overrides map[string]string, o *deployOptions, report *Report) error {
	// Resolve every stack in the tier before the first remote call, so a
	// conflict or missing parameter leaves the tier untouched.
	resolved := make(map[string]map[string]string, len(tier))
	templates := make(map[string]stacks.Template, len(tier))
	for _, spec := range tier {
		values, err := a.params.Resolve(spec.Parameters, overrides, spec.Defaults)
		if err != nil {
			return fmt.Errorf("stack %s: %w", spec.Name, err)
		}
		resolved[spec.Name] = values

		tmpl, err := a.template(spec, overrides, o)
		if err != nil {
			return fmt.Errorf("stack %s: %w", spec.Name, err)
		}
		templates[spec.Name] = tmpl
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDeploys)

	for _, spec := range tier {
		spec := spec
		g.Go(func() error {
			h, err := a.stacks.Deploy(gctx, spec.Name, templates[spec.Name], resolved[spec.Name])
			if err != nil {
				return err
			}
			status, err := a.stacks.WaitStable(gctx, h, a.stackWaitTimeout)
			if err != nil {
				return err
			}
			report.recordStack(spec.Name, status)
			if status.Failed() {
				a.logger.Error("stack deployment failed", errors.New(string(status)), "stack", spec.Name)
			}
			return nil
		})
	}
	return g.Wait()
}

// waitPlanPipelines waits for the pipelines associated with every stack
// that deployed successfully. Pipelines of failed stacks are skipped: their
// stack status already tells the operator what went wrong.
func (a *Account) waitPlanPipelines(ctx context.Context, plan Plan, report *Report) error {
	var execs []*pipelines.Execution
	for _, spec := range plan.Stacks() {
		if !report.Stacks[spec.Name].Succeeded() {
			continue
		}
		for _, name := range spec.Pipelines {
			exec, err := a.pipes.LatestExecution(ctx, name)
			if err != nil {
				if errors.Is(err, pipelines.ErrNoExecutions) {
					slog.Warn("pipeline has never run, not waiting for it", "pipeline", name)
					continue
				}
				return err
			}
			execs = append(execs, exec)
		}
	}
	if len(execs) == 0 {
		return nil
	}

	statuses, err := a.pipes.WaitAll(ctx, execs, a.pipelineWaitTimeout)
	for name, status := range statuses {
		report.recordPipeline(name, status)
	}
	return err
}

func (a *Account) template(spec StackSpec, overrides map[string]string, o *deployOptions) (stacks.Template, error) {
	store := o.store
	if store == nil && o.ownStore {
		store = a.snaps
	}
	if store == nil {
		return readLocalTemplate(a.templateDir, spec.Template)
	}

	id := overrides["SnapshotID"]
	if id == "" {
		return stacks.Template{}, errors.New("cannot fetch templates from the snapshot store without a snapshot id")
	}
	return stacks.Template{URL: store.TemplateURL(id, spec.Template)}, nil
}

// refreshOutputs rebinds the stack outputs parameter tier to the current
// outputs of every stack in the account.
func (a *Account) refreshOutputs(ctx context.Context) error {
	outputs, err := a.stacks.AllOutputs(ctx)
	if err != nil {
		return fmt.Errorf("read stack outputs: %w", err)
	}
	a.params.Replace(params.TierOutputs, params.NewMapSource("stack outputs", outputs))
	return nil
}
