// Package account models one AWS account taking part in an orchestration
// run and deploys sets of interdependent stacks into it.
package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/codebuild"
	"github.com/aws/aws-sdk-go/service/codepipeline"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/sts"
	"golang.org/x/exp/slog"

	"github.com/model-checking/padstone/pkg/envsync"
	"github.com/model-checking/padstone/pkg/params"
	"github.com/model-checking/padstone/pkg/pipelines"
	"github.com/model-checking/padstone/pkg/policy"
	"github.com/model-checking/padstone/pkg/snapshot"
	"github.com/model-checking/padstone/pkg/stacks"
)

// S3API combines the S3 capabilities the account needs: the snapshot store
// and the bucket policy. The real *s3.S3 client satisfies both.
type S3API interface {
	snapshot.API
	policy.API
}

// STSAPI identifies the calling account.
type STSAPI interface {
	GetCallerIdentityWithContext(aws.Context, *sts.GetCallerIdentityInput, ...request.Option) (*sts.GetCallerIdentityOutput, error)
}

// Clients are the remote service controllers an account operates through.
// Tests substitute fakes; New wires the real SDK clients. SecretsManager,
// Lambda and CodeBuild are optional: without them the account resolves no
// secret parameters and cannot sync runtime flags.
type Clients struct {
	CloudFormation stacks.API
	CodePipeline   pipelines.API
	S3             S3API
	STS            STSAPI
	SecretsManager params.SecretsAPI
	Lambda         envsync.LambdaAPI
	CodeBuild      envsync.CodeBuildAPI
}

// Config describes one account/profile/region in play.
type Config struct {
	// Profile is the AWS config profile naming the account. It is the
	// account's identity for the duration of an orchestration run.
	Profile string
	Region  string

	// SharedBucket is the name of the shared tools bucket. When empty it is
	// discovered from the S3BucketName output of the account's own stacks.
	SharedBucket string

	// SnapshotPrefix selects the snapshot store this account deploys from
	// (snapshot.ToolsPrefix or snapshot.ProofPrefix).
	SnapshotPrefix string

	// Tools names the packages a snapshot of this account must capture.
	Tools []string

	// TemplateDir is where local template files are read from.
	TemplateDir string

	// Project is the operator's project parameters document, if any.
	Project *params.ProjectParams

	// Parameters are flat account-level parameter values, bound at the
	// highest priority tier. The build tools account uses them for values
	// its stacks need but no project document supplies, such as alarm
	// addresses.
	Parameters map[string]string

	StackWaitTimeout    time.Duration
	PipelineWaitTimeout time.Duration
	PollInterval        time.Duration
}

func (c *Config) applyDefaults() {
	if c.TemplateDir == "" {
		c.TemplateDir = "templates"
	}
	if c.StackWaitTimeout == 0 {
		c.StackWaitTimeout = 15 * time.Minute
	}
	if c.PipelineWaitTimeout == 0 {
		c.PipelineWaitTimeout = time.Hour
	}
	if c.PollInterval == 0 {
		c.PollInterval = stacks.DefaultPollInterval
	}
}

// Account is one AWS account/profile/region. It resolves stack parameters,
// deploys plans tier by tier and waits for stack and pipeline stability.
// Instances are independent: concurrent operations on different accounts
// are safe, while a single account assumes one orchestration run at a time.
type Account struct {
	profile      string
	id           string
	region       string
	sharedBucket string
	templateDir  string

	stacks *stacks.Client
	pipes  *pipelines.Client
	snaps  *snapshot.Manager
	bucket *policy.Manager
	params *params.Manager

	snapshotID string
	snap       *snapshot.Snapshot
	project    *params.ProjectParams

	// env is nil when the account was built without Lambda and CodeBuild
	// controllers.
	env *envsync.Client

	stackWaitTimeout    time.Duration
	pipelineWaitTimeout time.Duration

	logger *slog.Logger
}

// New builds an account from the named AWS profile, using the real AWS SDK
// clients for that profile's session.
func New(ctx context.Context, cfg Config) (*Account, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(cfg.Region),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new session for profile %s: %w", cfg.Profile, err)
	}
	return NewWithClients(ctx, cfg, Clients{
		CloudFormation: cloudformation.New(sess),
		CodePipeline:   codepipeline.New(sess),
		S3:             s3.New(sess),
		STS:            sts.New(sess),
		SecretsManager: secretsmanager.New(sess),
		Lambda:         lambda.New(sess),
		CodeBuild:      codebuild.New(sess),
	})
}

// NewWithClients builds an account over the given remote service
// controllers.
func NewWithClients(ctx context.Context, cfg Config, c Clients) (*Account, error) {
	cfg.applyDefaults()

	ident, err := c.STS.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("get caller identity for profile %s: %w", cfg.Profile, err)
	}

	a := &Account{
		profile:             cfg.Profile,
		id:                  aws.StringValue(ident.Account),
		region:              cfg.Region,
		templateDir:         cfg.TemplateDir,
		stacks:              stacks.New(c.CloudFormation).WithPollInterval(cfg.PollInterval),
		pipes:               pipelines.New(c.CodePipeline).WithPollInterval(cfg.PollInterval),
		stackWaitTimeout:    cfg.StackWaitTimeout,
		pipelineWaitTimeout: cfg.PipelineWaitTimeout,
		params:              params.NewManager(),
	}
	a.logger = slog.With("profile", a.profile, "account_id", a.id)

	// The shared tools bucket either belongs to this account or is named by
	// the caller when it lives in another account.
	a.sharedBucket = cfg.SharedBucket
	if a.sharedBucket == "" {
		outputs, err := a.stacks.AllOutputs(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover shared tools bucket: %w", err)
		}
		a.sharedBucket = outputs["S3BucketName"]
		if a.sharedBucket == "" {
			return nil, fmt.Errorf("profile %s: no S3BucketName output found, deploy the globals stack first or name the bucket explicitly", cfg.Profile)
		}
	}

	a.snaps = snapshot.New(c.S3, a.sharedBucket, cfg.SnapshotPrefix, cfg.Tools)
	a.bucket = policy.New(c.S3, a.sharedBucket)

	if cfg.Project != nil {
		a.project = cfg.Project
		a.params.Add(params.TierProject, cfg.Project.Source())
	}
	if len(cfg.Parameters) > 0 {
		a.params.Add(params.TierProject, params.NewMapSource("account parameters", cfg.Parameters))
	}
	if c.SecretsManager != nil {
		a.params.Add(params.TierSecrets, params.NewSecretsSource(ctx, c.SecretsManager))
	}
	if c.Lambda != nil && c.CodeBuild != nil {
		a.env = envsync.New(c.Lambda, c.CodeBuild)
	}

	return a, nil
}

// ID returns the AWS account id.
func (a *Account) ID() string { return a.id }

// Profile returns the AWS profile naming the account.
func (a *Account) Profile() string { return a.profile }

// SharedBucket returns the name of the shared tools bucket.
func (a *Account) SharedBucket() string { return a.sharedBucket }

// Snapshots returns the snapshot store the account deploys from.
func (a *Account) Snapshots() *snapshot.Manager { return a.snaps }

// BucketPolicy returns the policy manager of the shared tools bucket.
func (a *Account) BucketPolicy() *policy.Manager { return a.bucket }

// Params returns the account's parameter manager.
func (a *Account) Params() *params.Manager { return a.params }

// SetSnapshot fetches the identified snapshot and binds it as the account's
// snapshot parameter tier. Subsequent deploys draw template URLs and
// captured parameter values from it.
func (a *Account) SetSnapshot(ctx context.Context, id string) error {
	if a.snap != nil && a.snapshotID == id {
		return nil
	}
	snap, err := a.snaps.Read(ctx, id)
	if err != nil {
		return err
	}
	a.snapshotID = id
	a.snap = snap
	a.params.Replace(params.TierSnapshot,
		params.NewMapSource("snapshot "+id, snap.ParameterValues()))
	a.logger.Info("snapshot set", "snapshot_id", id)
	return nil
}

// CurrentSnapshotID returns the snapshot the account is set to, falling
// back to the SnapshotID parameter of its deployed stacks.
func (a *Account) CurrentSnapshotID(ctx context.Context) (string, error) {
	if a.snapshotID != "" {
		return a.snapshotID, nil
	}
	outputs, err := a.stacks.AllOutputs(ctx)
	if err != nil {
		return "", fmt.Errorf("read stack outputs: %w", err)
	}
	id, ok, err := a.params.Value("SnapshotID", nil, outputs)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("profile %s has no snapshot deployed", a.profile)
	}
	return id, nil
}

// EffectiveParameters returns the parameter values currently in force for
// the account: the bound snapshot's captured values overlaid with the
// operator's project parameters.
func (a *Account) EffectiveParameters() map[string]string {
	values := make(map[string]string)
	if a.snap != nil {
		for k, v := range a.snap.ParameterValues() {
			values[k] = v
		}
	}
	if a.project != nil {
		for k, v := range a.project.Values() {
			values[k] = v
		}
	}
	return values
}

// Project returns the operator's project parameters document, if any.
func (a *Account) Project() *params.ProjectParams { return a.project }

// StackStatuses returns the current status of every stack in the account.
func (a *Account) StackStatuses(ctx context.Context) (map[string]stacks.Status, error) {
	return a.stacks.AllStatuses(ctx)
}

// SetCIOperating flips the webhook lambda's flag controlling whether CI
// reacts to incoming GitHub events.
func (a *Account) SetCIOperating(ctx context.Context, operating bool) error {
	if a.env == nil {
		return fmt.Errorf("profile %s has no environment controllers configured", a.profile)
	}
	return a.env.SetFunctionFlag(ctx, "webhook", "ci_operational", operating)
}

// SetUpdateGitHub flips the flags controlling whether CI posts commit
// statuses back to GitHub, in both the status lambda and the prepare
// codebuild project.
func (a *Account) SetUpdateGitHub(ctx context.Context, update bool) error {
	if a.env == nil {
		return fmt.Errorf("profile %s has no environment controllers configured", a.profile)
	}
	if err := a.env.SetFunctionFlag(ctx, "batchstatus", "ci_updating_status", update); err != nil {
		return err
	}
	return a.env.SetProjectFlag(ctx, "prepare", "ci_updating_status", update)
}

// UpdateGitHubFlag resolves the UpdateGithub parameter, the operator's
// choice of whether this account's CI posts commit statuses to GitHub.
func (a *Account) UpdateGitHubFlag(ctx context.Context) (bool, error) {
	outputs, err := a.stacks.AllOutputs(ctx)
	if err != nil {
		return false, fmt.Errorf("read stack outputs: %w", err)
	}
	v, ok, err := a.params.Value("UpdateGithub", nil, outputs)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("profile %s: no value found for UpdateGithub", a.profile)
	}
	switch strings.ToLower(v) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("UpdateGithub has non-boolean value %q", v)
}

// TriggerAndWaitPipelines starts every named pipeline and waits for all of
// them to reach a terminal status.
func (a *Account) TriggerAndWaitPipelines(ctx context.Context, names []string) (map[string]pipelines.Status, error) {
	execs := make([]*pipelines.Execution, 0, len(names))
	for _, name := range names {
		exec, err := a.pipes.Start(ctx, name)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return a.pipes.WaitAll(ctx, execs, a.pipelineWaitTimeout)
}

func readLocalTemplate(dir, name string) (stacks.Template, error) {
	body, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return stacks.Template{}, fmt.Errorf("read local template: %w", err)
	}
	return stacks.Template{Body: string(body)}, nil
}
