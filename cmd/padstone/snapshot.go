package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/model-checking/padstone/cmd/padstone/orch"
	"github.com/model-checking/padstone/pkg/params"
	"github.com/model-checking/padstone/pkg/snapshot"
)

var SnapshotCommand = &cli.Command{
	Name:  "snapshot",
	Usage: "Manage snapshots in the shared tools bucket",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Capture a new snapshot from the most recent build of every tool",
			Action: SnapshotGenerate,
			Flags: flags([]cli.Flag{
				&cli.StringFlag{
					Name:        "build-profile",
					Required:    true,
					Usage:       "AWS profile of the build tools account that owns the shared bucket.",
					Destination: &snapshotOpts.buildProfile,
				},
				&cli.StringFlag{
					Name:        "proof-profile",
					Usage:       "Generate a proof account snapshot and bind this profile's account to it. Without it a tools snapshot is generated.",
					Destination: &snapshotOpts.proofProfile,
				},
				&cli.StringFlag{
					Name:        "package-overrides",
					Usage:       "Path to a JSON document pinning package file names.",
					Destination: &snapshotOpts.packageOverrides,
				},
			}),
		},
		{
			Name:      "show",
			Usage:     "Print the document of a snapshot",
			Action:    SnapshotShow,
			ArgsUsage: "SNAPSHOT-ID",
			Flags:     flags(snapshotStoreFlags()),
		},
		{
			Name:   "latest",
			Usage:  "Print the identifier of the most recent snapshot",
			Action: SnapshotLatest,
			Flags:  flags(snapshotStoreFlags()),
		},
	},
}

var snapshotOpts struct {
	buildProfile     string
	proofProfile     string
	packageOverrides string
	tools            bool
}

func snapshotStoreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "build-profile",
			Required:    true,
			Usage:       "AWS profile of the build tools account that owns the shared bucket.",
			Destination: &snapshotOpts.buildProfile,
		},
		&cli.BoolFlag{
			Name:        "tools",
			Usage:       "Use the tools account snapshot store instead of the proof snapshot store.",
			Destination: &snapshotOpts.tools,
		},
	}
}

func SnapshotGenerate(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	envCfg, err := loadEnvConfig()
	if err != nil {
		return err
	}
	o, err := orch.New(ctx, envCfg.orchConfig(snapshotOpts.buildProfile, snapshotOpts.proofProfile, "", nil))
	if err != nil {
		return err
	}

	var id string
	if snapshotOpts.proofProfile != "" {
		var overrides params.PackageOverrides
		if snapshotOpts.packageOverrides != "" {
			if overrides, err = params.LoadPackageOverrides(snapshotOpts.packageOverrides); err != nil {
				return err
			}
		}
		id, err = o.GenerateProofSnapshot(ctx, overrides)
	} else {
		if snapshotOpts.packageOverrides != "" {
			return fmt.Errorf("--package-overrides only applies to proof snapshots")
		}
		id, err = o.GenerateToolsSnapshot(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func SnapshotShow(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	if cc.NArg() != 1 {
		return fmt.Errorf("a snapshot identifier must be supplied")
	}

	store, err := snapshotStore(ctx)
	if err != nil {
		return err
	}
	snap, err := store.Read(ctx, cc.Args().Get(0))
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(doc))
	return nil
}

func SnapshotLatest(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	store, err := snapshotStore(ctx)
	if err != nil {
		return err
	}
	id, err := store.Latest(ctx)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func snapshotStore(ctx context.Context) (*snapshot.Manager, error) {
	envCfg, err := loadEnvConfig()
	if err != nil {
		return nil, err
	}
	o, err := orch.New(ctx, envCfg.orchConfig(snapshotOpts.buildProfile, "", "", nil))
	if err != nil {
		return nil, err
	}
	if snapshotOpts.tools {
		return o.BuildTools().Snapshots(), nil
	}
	return o.SnapshotStore(snapshot.ProofPrefix, orch.ProofPackages), nil
}
