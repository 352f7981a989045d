package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/model-checking/padstone/cmd/padstone/orch"
	"github.com/model-checking/padstone/pkg/params"
)

var DeployToolsCommand = &cli.Command{
	Name:   "deploy-tools",
	Usage:  "Deploy the pipeline, alarm and globals stacks into the build tools account",
	Action: DeployTools,
	Flags: flags([]cli.Flag{
		&cli.StringFlag{
			Name:        "build-profile",
			Required:    true,
			Usage:       "AWS profile of the build tools account.",
			Destination: &deployToolsOpts.buildProfile,
		},
		&cli.StringFlag{
			Name:        "snapshot-id",
			Usage:       "Deploy this existing tools snapshot instead of generating a new one.",
			Destination: &deployToolsOpts.snapshotID,
		},
		&cli.BoolFlag{
			Name:        "generate-snapshot",
			Usage:       "Generate a new tools snapshot from the most recent template package and deploy it.",
			Destination: &deployToolsOpts.generateSnapshot,
		},
		&cli.BoolFlag{
			Name:        "bootstrap",
			Usage:       "Deploy from local template files into a fresh account that has no snapshot store yet.",
			Destination: &deployToolsOpts.bootstrap,
		},
		&cli.StringFlag{
			Name:        "shared-bucket",
			Usage:       "Name of the shared tools bucket. Only needed when bootstrapping, before the globals stack exports it.",
			Destination: &deployToolsOpts.sharedBucket,
		},
		&cli.StringFlag{
			Name:        "tools-parameters",
			Usage:       "Path to a JSON document of parameter values for the build tools account, such as alarm addresses.",
			Destination: &deployToolsOpts.toolsParams,
		},
	}),
}

var deployToolsOpts struct {
	buildProfile     string
	snapshotID       string
	generateSnapshot bool
	bootstrap        bool
	sharedBucket     string
	toolsParams      string
}

func DeployTools(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	envCfg, err := loadEnvConfig()
	if err != nil {
		return err
	}
	if deployToolsOpts.generateSnapshot && deployToolsOpts.snapshotID != "" {
		return fmt.Errorf("--generate-snapshot and --snapshot-id are mutually exclusive")
	}
	if deployToolsOpts.bootstrap && (deployToolsOpts.generateSnapshot || deployToolsOpts.snapshotID != "") {
		return fmt.Errorf("--bootstrap deploys from local templates and takes no snapshot options")
	}

	cfg := envCfg.orchConfig(deployToolsOpts.buildProfile, "", deployToolsOpts.sharedBucket, nil)
	if deployToolsOpts.toolsParams != "" {
		if cfg.BuildParameters, err = params.LoadValues(deployToolsOpts.toolsParams); err != nil {
			return err
		}
	}
	o, err := orch.New(ctx, cfg)
	if err != nil {
		return err
	}

	if !deployToolsOpts.bootstrap {
		if deployToolsOpts.generateSnapshot {
			id, err := o.GenerateToolsSnapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Println("generated snapshot " + id)
		} else {
			id := deployToolsOpts.snapshotID
			if id == "" {
				if id, err = o.BuildTools().Snapshots().Latest(ctx); err != nil {
					return err
				}
			}
			if err := o.BuildTools().SetSnapshot(ctx, id); err != nil {
				return err
			}
		}
	}

	report, err := o.DeployToolsAccount(ctx, deployToolsOpts.bootstrap)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if report.Failed() {
		return cli.Exit("deployment failed", 1)
	}
	return nil
}

var DeployProofCommand = &cli.Command{
	Name:   "deploy-proof",
	Usage:  "Deploy a snapshot into a proof account",
	Action: DeployProof,
	Flags: flags([]cli.Flag{
		&cli.StringFlag{
			Name:        "build-profile",
			Required:    true,
			Usage:       "AWS profile of the build tools account that owns the shared bucket.",
			Destination: &deployProofOpts.buildProfile,
		},
		&cli.StringFlag{
			Name:        "proof-profile",
			Required:    true,
			Usage:       "AWS profile of the proof account to deploy into.",
			Destination: &deployProofOpts.proofProfile,
		},
		&cli.StringFlag{
			Name:        "project-parameters",
			Required:    true,
			Usage:       "Path to the JSON document of project parameters for this proof account.",
			Destination: &deployProofOpts.projectParams,
		},
		&cli.StringFlag{
			Name:        "snapshot-id",
			Usage:       "Deploy this existing snapshot.",
			Destination: &deployProofOpts.snapshotID,
		},
		&cli.BoolFlag{
			Name:        "generate-snapshot",
			Usage:       "Generate a new snapshot from the most recent build of every tool and deploy it.",
			Destination: &deployProofOpts.generateSnapshot,
		},
		&cli.StringFlag{
			Name:        "source-profile",
			Usage:       "Deploy the snapshot currently running in this profile's account, promoting its configuration.",
			Destination: &deployProofOpts.sourceProfile,
		},
		&cli.StringFlag{
			Name:        "package-overrides",
			Usage:       "Path to a JSON document pinning package file names. Only valid with --generate-snapshot.",
			Destination: &deployProofOpts.packageOverrides,
		},
	}),
}

var deployProofOpts struct {
	buildProfile     string
	proofProfile     string
	projectParams    string
	snapshotID       string
	generateSnapshot bool
	sourceProfile    string
	packageOverrides string
}

func DeployProof(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	envCfg, err := loadEnvConfig()
	if err != nil {
		return err
	}

	modes := 0
	if deployProofOpts.generateSnapshot {
		modes++
	}
	if deployProofOpts.snapshotID != "" {
		modes++
	}
	if deployProofOpts.sourceProfile != "" {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of --generate-snapshot, --snapshot-id or --source-profile must be given")
	}
	if deployProofOpts.packageOverrides != "" && !deployProofOpts.generateSnapshot {
		return fmt.Errorf("--package-overrides only applies when generating a snapshot")
	}

	project, err := params.LoadProjectParams(deployProofOpts.projectParams)
	if err != nil {
		return err
	}

	o, err := orch.New(ctx, envCfg.orchConfig(deployProofOpts.buildProfile, deployProofOpts.proofProfile, "", project))
	if err != nil {
		return err
	}

	id := deployProofOpts.snapshotID
	switch {
	case deployProofOpts.generateSnapshot:
		var overrides params.PackageOverrides
		if deployProofOpts.packageOverrides != "" {
			if overrides, err = params.LoadPackageOverrides(deployProofOpts.packageOverrides); err != nil {
				return err
			}
		}
		if id, err = o.GenerateProofSnapshot(ctx, overrides); err != nil {
			return err
		}
		fmt.Println("generated snapshot " + id)
	case deployProofOpts.sourceProfile != "":
		if id, err = o.SnapshotIDOf(ctx, deployProofOpts.sourceProfile, envCfg.Region); err != nil {
			return err
		}
		fmt.Println("promoting snapshot " + id + " from profile " + deployProofOpts.sourceProfile)
	}

	report, err := o.DeployProofAccount(ctx, id)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if report.Failed() {
		return cli.Exit("deployment failed", 1)
	}
	fmt.Println("deployed snapshot " + id)
	return nil
}
