package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/model-checking/padstone/cmd/padstone/orch"
	"github.com/model-checking/padstone/pkg/account"
	"github.com/model-checking/padstone/pkg/params"
	"github.com/model-checking/padstone/pkg/snapshot"
)

var PromoteCommand = &cli.Command{
	Name:   "promote",
	Usage:  "Propose promoting one proof account's configuration into another",
	Action: Promote,
	Description: "promote diffs the parameters effective in the source account against the " +
		"target account's declared project parameters and prints the merge candidate. " +
		"Nothing is written; deploy the proposal with deploy-proof --source-profile.",
	Flags: flags([]cli.Flag{
		&cli.StringFlag{
			Name:        "build-profile",
			Required:    true,
			Usage:       "AWS profile of the build tools account that owns the shared bucket.",
			Destination: &promoteOpts.buildProfile,
		},
		&cli.StringFlag{
			Name:        "source-profile",
			Required:    true,
			Usage:       "AWS profile of the account whose configuration is being promoted.",
			Destination: &promoteOpts.sourceProfile,
		},
		&cli.StringFlag{
			Name:        "proof-profile",
			Required:    true,
			Usage:       "AWS profile of the target proof account.",
			Destination: &promoteOpts.proofProfile,
		},
		&cli.StringFlag{
			Name:        "project-parameters",
			Required:    true,
			Usage:       "Path to the target account's JSON document of project parameters.",
			Destination: &promoteOpts.projectParams,
		},
	}),
}

var promoteOpts struct {
	buildProfile  string
	sourceProfile string
	proofProfile  string
	projectParams string
}

func Promote(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	envCfg, err := loadEnvConfig()
	if err != nil {
		return err
	}
	project, err := params.LoadProjectParams(promoteOpts.projectParams)
	if err != nil {
		return err
	}

	o, err := orch.New(ctx, envCfg.orchConfig(promoteOpts.buildProfile, promoteOpts.proofProfile, "", project))
	if err != nil {
		return err
	}

	source, err := account.New(ctx, account.Config{
		Profile:        promoteOpts.sourceProfile,
		Region:         envCfg.Region,
		SharedBucket:   o.BuildTools().SharedBucket(),
		SnapshotPrefix: snapshot.ProofPrefix,
		Tools:          orch.ProofPackages,
	})
	if err != nil {
		return err
	}
	id, err := source.CurrentSnapshotID(ctx)
	if err != nil {
		return err
	}
	if err := source.SetSnapshot(ctx, id); err != nil {
		return err
	}

	proposal := orch.ProposePromotion(source, o.Proof())
	fmt.Printf("source %s runs snapshot %s\n\n", promoteOpts.sourceProfile, id)
	fmt.Print(proposal.Summary())

	doc, err := json.MarshalIndent(proposal.Params, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println("\nmerge candidate:")
	fmt.Println(string(doc))
	fmt.Printf("\nto deploy: %s deploy-proof --build-profile %s --proof-profile %s --source-profile %s --project-parameters %s\n",
		appName, promoteOpts.buildProfile, promoteOpts.proofProfile, promoteOpts.sourceProfile, promoteOpts.projectParams)
	return nil
}
