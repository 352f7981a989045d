// Package orch sequences deployments across the build tools account and
// the proof accounts. It is the only place where data crosses an account
// boundary: every cross-account value passes through an explicit method
// argument, never through ambient shared state.
package orch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/model-checking/padstone/pkg/account"
	"github.com/model-checking/padstone/pkg/params"
	"github.com/model-checking/padstone/pkg/pipelines"
	"github.com/model-checking/padstone/pkg/snapshot"
)

// bootstrapSnapshotID marks a deployment made from local templates into a
// fresh account that has no snapshot yet.
const bootstrapSnapshotID = "BOOTSTRAP"

// Config names the accounts taking part in one orchestration run.
type Config struct {
	BuildProfile string
	ProofProfile string
	Region       string

	// SharedBucket names the shared tools bucket explicitly, for
	// bootstrapping a build account that has no globals stack yet.
	SharedBucket string

	// Project is the proof project's parameters document, if any.
	Project *params.ProjectParams

	// BuildParameters are account-level parameter values for the build
	// tools account, loaded from its parameters document.
	BuildParameters map[string]string

	TemplateDir         string
	StackWaitTimeout    time.Duration
	PipelineWaitTimeout time.Duration
	PollInterval        time.Duration
}

// Orchestrator holds one Account per participating profile and exposes the
// high level deployment workflows.
type Orchestrator struct {
	buildTools *account.Account
	proof      *account.Account

	// proofSnaps writes proof account snapshots into the shared bucket
	// using the build account's credentials, which own the bucket.
	proofSnaps *snapshot.Manager
}

// New constructs the accounts for the given profiles. The proof account is
// optional; workflows that need it fail when it is absent.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	buildTools, err := account.New(ctx, account.Config{
		Profile:             cfg.BuildProfile,
		Region:              cfg.Region,
		SharedBucket:        cfg.SharedBucket,
		SnapshotPrefix:      snapshot.ToolsPrefix,
		Tools:               ToolsPackages,
		Parameters:          cfg.BuildParameters,
		TemplateDir:         cfg.TemplateDir,
		StackWaitTimeout:    cfg.StackWaitTimeout,
		PipelineWaitTimeout: cfg.PipelineWaitTimeout,
		PollInterval:        cfg.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build tools account: %w", err)
	}

	o := &Orchestrator{buildTools: buildTools}

	if cfg.ProofProfile != "" {
		proof, err := account.New(ctx, account.Config{
			Profile:             cfg.ProofProfile,
			Region:              cfg.Region,
			SharedBucket:        buildTools.SharedBucket(),
			SnapshotPrefix:      snapshot.ProofPrefix,
			Tools:               ProofPackages,
			Project:             cfg.Project,
			TemplateDir:         cfg.TemplateDir,
			StackWaitTimeout:    cfg.StackWaitTimeout,
			PipelineWaitTimeout: cfg.PipelineWaitTimeout,
			PollInterval:        cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("proof account: %w", err)
		}
		o.proof = proof
		o.proofSnaps = o.SnapshotStore(snapshot.ProofPrefix, ProofPackages)
	}

	return o, nil
}

// NewFromAccounts wires an orchestrator over already constructed accounts.
func NewFromAccounts(buildTools, proof *account.Account, proofSnaps *snapshot.Manager) *Orchestrator {
	return &Orchestrator{buildTools: buildTools, proof: proof, proofSnaps: proofSnaps}
}

// SnapshotStore returns the snapshot store under the given prefix in the
// shared bucket, operated with the build account's credentials.
func (o *Orchestrator) SnapshotStore(prefix string, tools []string) *snapshot.Manager {
	return snapshot.New(o.buildTools.Snapshots().API(), o.buildTools.SharedBucket(), prefix, tools)
}

// BuildTools returns the build tools account.
func (o *Orchestrator) BuildTools() *account.Account { return o.buildTools }

// Proof returns the proof account, or nil when none was configured.
func (o *Orchestrator) Proof() *account.Account { return o.proof }

// DeployToolsAccount deploys the globals, build pipeline and build alarm
// stacks into the build tools account. With bootstrap set, templates come
// from the local filesystem instead of the account's snapshot store, which
// is how a brand new tools account gets its first stacks.
func (o *Orchestrator) DeployToolsAccount(ctx context.Context, bootstrap bool) (*account.Report, error) {
	slog.Info("deploying build tools account", "account_id", o.buildTools.ID(), "bootstrap", bootstrap)

	plan := account.Plan{Tiers: append(append(
		GlobalsPlan().Tiers,
		BuildToolsPlan().Tiers...),
		BuildAlarmsPlan().Tiers...)}

	opts := []account.DeployOption{}
	if bootstrap {
		opts = append(opts, account.WithOverrides(map[string]string{
			"SnapshotID": bootstrapSnapshotID,
		}))
	} else {
		if err := o.ensureBuildSnapshot(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, account.FromSnapshotStore())
	}
	return o.buildTools.DeployStacks(ctx, plan, opts...)
}

// ensureBuildSnapshot binds the build tools account to a snapshot when no
// caller has bound one yet, falling back to the snapshot its stacks are
// currently running. Deploying from the snapshot store needs the binding to
// form template URLs.
func (o *Orchestrator) ensureBuildSnapshot(ctx context.Context) error {
	id, err := o.buildTools.CurrentSnapshotID(ctx)
	if err != nil {
		return err
	}
	return o.buildTools.SetSnapshot(ctx, id)
}

// GrantProofAccountBucketAccess gives the proof account read access to the
// shared tools bucket, then records the full allow-list in the bucket
// policy stack. Granting an account that already holds access changes
// nothing.
func (o *Orchestrator) GrantProofAccountBucketAccess(ctx context.Context) (*account.Report, error) {
	if o.proof == nil {
		return nil, fmt.Errorf("no proof account configured")
	}
	// The bucket policy stack deploys from the build account's snapshot
	// store, so a snapshot must be bound before the deploy below.
	if err := o.ensureBuildSnapshot(ctx); err != nil {
		return nil, err
	}
	bucket := o.buildTools.BucketPolicy()

	if err := bucket.GrantRead(ctx, o.proof.ID()); err != nil {
		return nil, err
	}

	// The bucket policy stack declares the complete allow-list, so expand
	// the newly granted account into the existing one before deploying.
	ids, err := bucket.ListGrantedAccounts(ctx)
	if err != nil {
		return nil, err
	}
	arns := make([]string, len(ids))
	for i, id := range ids {
		arns[i] = "arn:aws:iam::" + id + ":root"
	}
	o.buildTools.Params().Replace(params.TierDerived,
		params.NewMapSource("bucket policy accounts", map[string]string{
			"ProofAccountIds": strings.Join(arns, ","),
		}))

	return o.buildTools.DeployStacks(ctx, BucketPolicyPlan(), account.FromSnapshotStore())
}

// DeployProofAccount fetches the identified snapshot, grants the proof
// account access to the shared bucket, and deploys the proof stacks with
// templates sourced from the snapshot. A snapshot identifier read from a
// different account (see SnapshotIDOf) promotes that account's
// configuration into this one.
func (o *Orchestrator) DeployProofAccount(ctx context.Context, snapshotID string) (*account.Report, error) {
	if o.proof == nil {
		return nil, fmt.Errorf("no proof account configured")
	}
	slog.Info("deploying proof account", "account_id", o.proof.ID(), "snapshot_id", snapshotID)

	if _, err := o.GrantProofAccountBucketAccess(ctx); err != nil {
		return nil, fmt.Errorf("grant bucket access: %w", err)
	}
	if err := o.proof.SetSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}

	// The build tools account id is the only build-account value the proof
	// stacks need; it crosses the account boundary right here.
	report, err := o.proof.DeployStacks(ctx, ProofAccountPlan(),
		account.FromSnapshotStore(),
		account.WithOverrides(map[string]string{
			"BuildToolsAccountId": o.buildTools.ID(),
		}))
	if err != nil || report.Failed() {
		return report, err
	}

	if err := o.SyncProofAccountEnvironment(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// SyncProofAccountEnvironment pushes the proof account's CI control flags
// into its deployed lambda and codebuild environments: CI is marked
// operational and the GitHub status updates follow the account's
// UpdateGithub parameter.
func (o *Orchestrator) SyncProofAccountEnvironment(ctx context.Context) error {
	if o.proof == nil {
		return fmt.Errorf("no proof account configured")
	}
	update, err := o.proof.UpdateGitHubFlag(ctx)
	if err != nil {
		return err
	}
	if err := o.proof.SetCIOperating(ctx, true); err != nil {
		return err
	}
	return o.proof.SetUpdateGitHub(ctx, update)
}

// GenerateToolsSnapshot captures a new snapshot of the build tools account
// from the most recent template package and binds the account to it.
func (o *Orchestrator) GenerateToolsSnapshot(ctx context.Context) (string, error) {
	id, err := o.buildTools.Snapshots().Create(ctx, nil, nil, "")
	if err != nil {
		return "", err
	}
	if err := o.buildTools.SetSnapshot(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateProofSnapshot captures a new proof account snapshot from the most
// recent build of every tool, substituting any explicit package overrides.
// The proof account's effective parameters are captured alongside the
// packages, so redeploying the snapshot later reproduces the configuration
// it was generated under. The snapshot is written with the build account's
// credentials; the proof account binds to it during DeployProofAccount,
// after its bucket grant is in place.
func (o *Orchestrator) GenerateProofSnapshot(ctx context.Context, overrides params.PackageOverrides) (string, error) {
	if o.proofSnaps == nil {
		return "", fmt.Errorf("no proof account configured")
	}
	return o.proofSnaps.Create(ctx, overrides, o.proof.EffectiveParameters(), "")
}

// SnapshotIDOf reads the snapshot identifier another profile's account is
// currently running, for use as a promotion source.
func (o *Orchestrator) SnapshotIDOf(ctx context.Context, profile, region string) (string, error) {
	src, err := account.New(ctx, account.Config{
		Profile:        profile,
		Region:         region,
		SharedBucket:   o.buildTools.SharedBucket(),
		SnapshotPrefix: snapshot.ProofPrefix,
		Tools:          ProofPackages,
	})
	if err != nil {
		return "", err
	}
	return src.CurrentSnapshotID(ctx)
}

// TriggerAndWaitBuildPipelines starts every build pipeline in the tools
// account and waits for all of them to reach a terminal status.
func (o *Orchestrator) TriggerAndWaitBuildPipelines(ctx context.Context) (map[string]pipelines.Status, error) {
	return o.buildTools.TriggerAndWaitPipelines(ctx, BuildToolsPlan().Pipelines())
}
