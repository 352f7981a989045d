package orch

import "github.com/model-checking/padstone/pkg/account"

// Static stack tables: stack name, template, required parameters and the
// pipelines that must settle after the stack does. This is configuration,
// loaded once per process, never derived at runtime.

// Repository coordinates of the tool sources, shared by every stack that
// checks them out.
var (
	batchRepositoryDefaults = map[string]string{
		"BatchRepositoryBranchName": "master",
		"BatchRepositoryName":       "aws-batch-cbmc",
		"BatchRepositoryOwner":      "awslabs",
	}
	viewerRepositoryDefaults = map[string]string{
		"ViewerRepositoryBranchName": "master",
		"ViewerRepositoryName":       "cbmc-viewer",
		"ViewerRepositoryOwner":      "model-checking",
	}
)

func mergeDefaults(ms ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range ms {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// GlobalsPlan deploys the globals stack holding the shared S3 bucket and
// other account-wide resources.
func GlobalsPlan() account.Plan {
	return account.PlanOf(
		account.StackSpec{
			Name:     "globals",
			Template: "build-globals.yaml",
			Parameters: []string{
				"BatchRepositoryBranchName",
				"BatchRepositoryName",
				"BatchRepositoryOwner",
				"SnapshotID",
				"ViewerRepositoryBranchName",
				"ViewerRepositoryName",
				"ViewerRepositoryOwner",
			},
			Defaults: mergeDefaults(batchRepositoryDefaults, viewerRepositoryDefaults),
		},
	)
}

// BuildToolsPlan deploys the pipelines that build CBMC, CBMC Batch, the
// Docker images and the viewer. The four stacks are independent and deploy
// concurrently.
func BuildToolsPlan() account.Plan {
	return account.PlanOf(
		account.StackSpec{
			Name:     "build-batch",
			Template: "build-batch.yaml",
			Parameters: []string{
				"BatchRepositoryBranchName",
				"BatchRepositoryName",
				"BatchRepositoryOwner",
				"GitHubToken",
				"S3BucketName",
			},
			Pipelines: []string{"Build-Batch-Pipeline"},
			Defaults:  batchRepositoryDefaults,
		},
		account.StackSpec{
			Name:     "build-cbmc-linux",
			Template: "build-cbmc-linux.yaml",
			Parameters: []string{
				"CBMCBranchName",
				"GitHubToken",
				"S3BucketName",
			},
			Pipelines: []string{"Build-CBMC-Linux-Pipeline"},
			Defaults: map[string]string{
				"CBMCBranchName": "develop",
			},
		},
		account.StackSpec{
			Name:     "build-docker",
			Template: "build-docker.yaml",
			Parameters: []string{
				"BatchRepositoryBranchName",
				"BatchRepositoryName",
				"BatchRepositoryOwner",
				"GitHubToken",
				"S3BucketName",
			},
			Pipelines: []string{"Build-Docker-Pipeline"},
			Defaults:  batchRepositoryDefaults,
		},
		account.StackSpec{
			Name:     "build-viewer",
			Template: "build-viewer.yaml",
			Parameters: []string{
				"GitHubToken",
				"S3BucketName",
				"ViewerRepositoryBranchName",
				"ViewerRepositoryName",
				"ViewerRepositoryOwner",
			},
			Pipelines: []string{"Build-Viewer-Pipeline"},
			Defaults:  viewerRepositoryDefaults,
		},
	)
}

// BuildAlarmsPlan deploys the alarms that page on build failures.
func BuildAlarmsPlan() account.Plan {
	return account.PlanOf(
		account.StackSpec{
			Name:     "alarms-build",
			Template: "alarms-build.yaml",
			Parameters: []string{
				"BuildBatchPipeline",
				"BuildCBMCLinuxPipeline",
				"BuildDockerPipeline",
				"BuildViewerPipeline",
				"NotificationAddress",
				"SIMAddress",
			},
		},
	)
}

// BucketPolicyPlan deploys the bucket policy stack granting proof accounts
// read access to the shared tools bucket.
func BucketPolicyPlan() account.Plan {
	return account.PlanOf(
		account.StackSpec{
			Name:     "bucket-policy",
			Template: "bucket-policy.yaml",
			Parameters: []string{
				"ProofAccountIds",
				"S3BucketToolsName",
			},
		},
	)
}

// ProofAccountPlan deploys a proof account in two tiers: the github stack
// first, then the batch, alarm and canary stacks, which consume the github
// stack's outputs (its webhook API endpoint among them).
func ProofAccountPlan() account.Plan {
	return account.Plan{
		Tiers: [][]account.StackSpec{
			{
				{
					Name:     "github",
					Template: "github.yaml",
					Parameters: []string{
						"BuildToolsAccountId",
						"GitHubBranchName",
						"GitHubRepository",
						"ProjectName",
						"S3BucketToolsName",
						"SnapshotID",
					},
				},
			},
			{
				{
					Name:     "cbmc-batch",
					Template: "cbmc.yaml",
					Parameters: []string{
						"BuildToolsAccountId",
						"ImageTagSuffix",
						"MaxVcpus",
					},
					Defaults: map[string]string{
						"MaxVcpus": "16",
					},
				},
				{
					Name:     "alarms-prod",
					Template: "alarms-prod.yaml",
					Parameters: []string{
						"NotificationAddress",
						"ProjectName",
						"SIMAddress",
					},
				},
				{
					Name:     "canary",
					Template: "canary.yaml",
					Parameters: []string{
						"GitHubBranchName",
						"GitHubLambdaAPI",
						"GitHubRepository",
					},
				},
			},
		},
	}
}

// ToolsPackages are the packages a build tools account snapshot captures.
var ToolsPackages = []string{"template"}

// ProofPackages are the packages a proof account snapshot captures.
var ProofPackages = []string{"batch", "cbmc", "lambda", "template", "viewer"}
