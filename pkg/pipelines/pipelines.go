// Package pipelines starts CodePipeline executions and waits for them to
// reach a terminal status.
package pipelines

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/codepipeline"
	"golang.org/x/exp/slog"

	"github.com/model-checking/padstone/pkg/wait"
)

// API is the subset of the CodePipeline API used to trigger and observe
// pipeline executions.
type API interface {
	StartPipelineExecutionWithContext(aws.Context, *codepipeline.StartPipelineExecutionInput, ...request.Option) (*codepipeline.StartPipelineExecutionOutput, error)
	GetPipelineExecutionWithContext(aws.Context, *codepipeline.GetPipelineExecutionInput, ...request.Option) (*codepipeline.GetPipelineExecutionOutput, error)
	ListPipelineExecutionsWithContext(aws.Context, *codepipeline.ListPipelineExecutionsInput, ...request.Option) (*codepipeline.ListPipelineExecutionsOutput, error)
}

var _ API = (*codepipeline.CodePipeline)(nil)

// DefaultPollInterval is the time between successive execution status checks.
const DefaultPollInterval = 5 * time.Second

// ErrNoExecutions is returned by LatestExecution when a pipeline has never
// been run.
var ErrNoExecutions = errors.New("pipeline has no executions")

// Status is a pipeline execution status, plus the local StatusTimeout
// outcome for waits that exceeded their bound.
type Status string

const StatusTimeout Status = "Timeout"

// Terminal reports whether the execution has stopped changing.
func (s Status) Terminal() bool {
	switch string(s) {
	case codepipeline.PipelineExecutionStatusSucceeded,
		codepipeline.PipelineExecutionStatusFailed,
		codepipeline.PipelineExecutionStatusSuperseded,
		codepipeline.PipelineExecutionStatusStopped,
		codepipeline.PipelineExecutionStatusCancelled:
		return true
	}
	return false
}

// Failed reports whether the execution ended without producing a result.
// Superseded means a newer execution took over and is not a failure.
func (s Status) Failed() bool {
	switch string(s) {
	case codepipeline.PipelineExecutionStatusFailed,
		codepipeline.PipelineExecutionStatusStopped,
		codepipeline.PipelineExecutionStatusCancelled:
		return true
	}
	return s == StatusTimeout
}

// Execution refers to one run of a named pipeline.
type Execution struct {
	Pipeline string
	ID       string
}

// Client triggers and waits for the pipelines of one account.
type Client struct {
	api          API
	pollInterval time.Duration
}

func New(api API) *Client {
	return &Client{api: api, pollInterval: DefaultPollInterval}
}

// WithPollInterval sets the interval between status checks during waits.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

// Start triggers a new execution of the named pipeline.
func (c *Client) Start(ctx context.Context, name string) (*Execution, error) {
	out, err := c.api.StartPipelineExecutionWithContext(ctx, &codepipeline.StartPipelineExecutionInput{
		Name: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("start pipeline %s: %w", name, err)
	}
	slog.Info("started pipeline execution", "pipeline", name, "execution_id", aws.StringValue(out.PipelineExecutionId))
	return &Execution{Pipeline: name, ID: aws.StringValue(out.PipelineExecutionId)}, nil
}

// LatestExecution returns a handle to the most recently started execution of
// the named pipeline. Stack updates trigger their pipelines via CodePipeline
// itself, so deployment waits attach to the newest execution rather than
// starting one.
func (c *Client) LatestExecution(ctx context.Context, name string) (*Execution, error) {
	out, err := c.api.ListPipelineExecutionsWithContext(ctx, &codepipeline.ListPipelineExecutionsInput{
		PipelineName: aws.String(name),
		MaxResults:   aws.Int64(1),
	})
	if err != nil {
		return nil, fmt.Errorf("list executions of pipeline %s: %w", name, err)
	}
	if len(out.PipelineExecutionSummaries) == 0 {
		return nil, fmt.Errorf("pipeline %s: %w", name, ErrNoExecutions)
	}
	return &Execution{Pipeline: name, ID: aws.StringValue(out.PipelineExecutionSummaries[0].PipelineExecutionId)}, nil
}

// WaitComplete polls the execution until it reaches a terminal status or
// timeout elapses. A failure status is returned, not raised as an error.
func (c *Client) WaitComplete(ctx context.Context, exec *Execution, timeout time.Duration) (Status, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var status Status
	err := wait.Until(wctx, slog.With("pipeline", exec.Pipeline), "pipeline "+exec.Pipeline+" is complete", func(ctx context.Context) (bool, error) {
		out, err := c.api.GetPipelineExecutionWithContext(ctx, &codepipeline.GetPipelineExecutionInput{
			PipelineName:        aws.String(exec.Pipeline),
			PipelineExecutionId: aws.String(exec.ID),
		})
		if err != nil {
			return false, err
		}
		if out.PipelineExecution == nil || out.PipelineExecution.Status == nil {
			return false, nil
		}
		status = Status(*out.PipelineExecution.Status)
		return status.Terminal(), nil
	}, c.pollInterval)
	if err != nil {
		// A poll in flight when the deadline hits surfaces as an SDK error
		// that does not unwrap to DeadlineExceeded, so consult the wait
		// context directly.
		if wctx.Err() != nil && ctx.Err() == nil {
			return StatusTimeout, nil
		}
		return "", fmt.Errorf("wait for pipeline %s: %w", exec.Pipeline, err)
	}
	return status, nil
}

// WaitAll waits concurrently for every execution to reach a terminal status.
// It never short-circuits on the first failure: the returned mapping covers
// every pipeline so callers see the full picture. Any errors encountered are
// joined and returned alongside the statuses gathered so far.
func (c *Client) WaitAll(ctx context.Context, execs []*Execution, timeout time.Duration) (map[string]Status, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		statuses = make(map[string]Status, len(execs))
		errs     []error
	)

	for _, exec := range execs {
		exec := exec
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := c.WaitComplete(ctx, exec, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			statuses[exec.Pipeline] = status
		}()
	}
	wg.Wait()

	return statuses, errors.Join(errs...)
}
