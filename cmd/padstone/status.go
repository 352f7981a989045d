package main

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/urfave/cli/v2"

	"github.com/model-checking/padstone/pkg/stacks"
)

var StatusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Report on the stacks of an account",
	Action: Status,
	Flags: flags([]cli.Flag{
		&cli.StringFlag{
			Name:        "profile",
			Required:    true,
			Usage:       "AWS profile of the account to inspect.",
			Destination: &statusOpts.profile,
		},
	}),
}

var statusOpts struct {
	profile string
}

func Status(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	envCfg, err := loadEnvConfig()
	if err != nil {
		return err
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           statusOpts.profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(envCfg.Region),
		},
	})
	if err != nil {
		return err
	}
	client := stacks.New(cloudformation.New(sess))

	statuses, err := client.AllStatuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No stacks deployed")
		return nil
	}

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-32s %s\n", name, colorStackStatus(statuses[name]))
	}

	outputs, err := client.AllOutputs(ctx)
	if err != nil {
		return err
	}
	if id := outputs["SnapshotID"]; id != "" {
		fmt.Println("\nsnapshot: " + id)
	}
	return nil
}
