package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/model-checking/padstone/cmd/padstone/orch"
	"github.com/model-checking/padstone/pkg/params"
)

// envConfig carries settings that rarely change between invocations and are
// better kept in the environment than repeated on every command line.
type envConfig struct {
	Region              string        `env:"AWS_REGION"`
	TemplateDir         string        `env:"PADSTONE_TEMPLATE_DIR" envDefault:"templates"`
	StackWaitTimeout    time.Duration `env:"PADSTONE_STACK_WAIT_TIMEOUT" envDefault:"15m"`
	PipelineWaitTimeout time.Duration `env:"PADSTONE_PIPELINE_WAIT_TIMEOUT" envDefault:"1h"`
	PollInterval        time.Duration `env:"PADSTONE_POLL_INTERVAL" envDefault:"5s"`
}

func loadEnvConfig() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Region == "" {
		return cfg, fmt.Errorf("Environment variable AWS_REGION should be set to the region the accounts are deployed in")
	}
	return cfg, nil
}

func (c envConfig) orchConfig(buildProfile, proofProfile, sharedBucket string, project *params.ProjectParams) orch.Config {
	return orch.Config{
		BuildProfile:        buildProfile,
		ProofProfile:        proofProfile,
		Region:              c.Region,
		SharedBucket:        sharedBucket,
		Project:             project,
		TemplateDir:         c.TemplateDir,
		StackWaitTimeout:    c.StackWaitTimeout,
		PipelineWaitTimeout: c.PipelineWaitTimeout,
		PollInterval:        c.PollInterval,
	}
}
