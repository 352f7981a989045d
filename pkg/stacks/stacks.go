// Package stacks deploys CloudFormation stacks and waits for them to
// reach a stable status.
package stacks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"golang.org/x/exp/slog"

	"github.com/model-checking/padstone/pkg/wait"
)

// API is the subset of the CloudFormation API used to deploy and observe
// stacks. The real *cloudformation.CloudFormation client satisfies it.
type API interface {
	CreateStackWithContext(aws.Context, *cloudformation.CreateStackInput, ...request.Option) (*cloudformation.CreateStackOutput, error)
	UpdateStackWithContext(aws.Context, *cloudformation.UpdateStackInput, ...request.Option) (*cloudformation.UpdateStackOutput, error)
	DescribeStacksWithContext(aws.Context, *cloudformation.DescribeStacksInput, ...request.Option) (*cloudformation.DescribeStacksOutput, error)
}

var _ API = (*cloudformation.CloudFormation)(nil)

const (
	validationError = "ValidationError"
	noUpdatesMsg    = "No updates are to be performed."

	// DefaultPollInterval is the time between successive stack status checks.
	DefaultPollInterval = 5 * time.Second
)

// ErrNotReady is returned when stack outputs are requested before the stack
// has reached a *_COMPLETE status.
var ErrNotReady = errors.New("stack is not in a complete state")

// Status is a CloudFormation stack status, plus the local StatusTimeout
// outcome for waits that exceeded their bound.
type Status string

const StatusTimeout Status = "TIMEOUT"

// Terminal reports whether the stack has stopped changing.
func (s Status) Terminal() bool {
	return strings.HasSuffix(string(s), "_COMPLETE") || strings.HasSuffix(string(s), "_FAILED")
}

// Complete reports whether outputs may be read from the stack.
func (s Status) Complete() bool {
	return strings.HasSuffix(string(s), "_COMPLETE")
}

// Succeeded reports whether the deployment achieved the requested state.
// A rollback leaves the stack in a *_COMPLETE status but the deployment
// itself did not succeed.
func (s Status) Succeeded() bool {
	switch string(s) {
	case cloudformation.StackStatusCreateComplete, cloudformation.StackStatusUpdateComplete:
		return true
	}
	return false
}

// Failed reports whether the stack reached a terminal status other than
// success. Timeouts are reported separately and are not failures.
func (s Status) Failed() bool {
	return s != StatusTimeout && s.Terminal() && !s.Succeeded()
}

// Template identifies the document a stack is deployed from. Exactly one of
// Body or URL must be set.
type Template struct {
	Body string
	URL  string
}

// Handle refers to a stack a deploy call was issued for.
type Handle struct {
	Name string
}

// Client deploys and inspects the CloudFormation stacks of one account. It
// holds no mutable state beyond a handle cache keyed by stack name.
type Client struct {
	api          API
	pollInterval time.Duration
	capabilities []*string

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(api API) *Client {
	return &Client{
		api:          api,
		pollInterval: DefaultPollInterval,
		capabilities: aws.StringSlice([]string{cloudformation.CapabilityCapabilityNamedIam}),
		handles:      make(map[string]*Handle),
	}
}

// WithPollInterval sets the interval between status checks during waits.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

// Deploy creates the named stack if it does not exist, otherwise issues an
// update. An update that finds nothing to change is success.
func (c *Client) Deploy(ctx context.Context, name string, tmpl Template, params map[string]string) (*Handle, error) {
	if (tmpl.Body == "") == (tmpl.URL == "") {
		return nil, fmt.Errorf("stack %s: exactly one of template body or template url must be set", name)
	}

	logger := slog.With("stack", name)

	status, err := c.Status(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get status of stack %s: %w", name, err)
	}

	cfnParams := makeParameters(params)
	if status == "" {
		logger.Info("creating stack")
		in := &cloudformation.CreateStackInput{
			StackName:    aws.String(name),
			Parameters:   cfnParams,
			Capabilities: c.capabilities,
		}
		if tmpl.Body != "" {
			in.TemplateBody = aws.String(tmpl.Body)
		} else {
			in.TemplateURL = aws.String(tmpl.URL)
		}
		if _, err := c.api.CreateStackWithContext(ctx, in); err != nil {
			return nil, fmt.Errorf("create stack %s: %w", name, err)
		}
	} else {
		logger.Info("updating stack", "status", string(status))
		in := &cloudformation.UpdateStackInput{
			StackName:    aws.String(name),
			Parameters:   cfnParams,
			Capabilities: c.capabilities,
		}
		if tmpl.Body != "" {
			in.TemplateBody = aws.String(tmpl.Body)
		} else {
			in.TemplateURL = aws.String(tmpl.URL)
		}
		if _, err := c.api.UpdateStackWithContext(ctx, in); err != nil {
			if isNoUpdates(err) {
				logger.Info("stack is already up to date")
			} else {
				return nil, fmt.Errorf("update stack %s: %w", name, err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[name]
	if !ok {
		h = &Handle{Name: name}
		c.handles[name] = h
	}
	return h, nil
}

// WaitStable polls the stack until it reaches a terminal status or timeout
// elapses. A failure status is returned to the caller, not raised as an
// error. Exceeding timeout yields StatusTimeout.
func (c *Client) WaitStable(ctx context.Context, h *Handle, timeout time.Duration) (Status, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var status Status
	err := wait.Until(wctx, slog.With("stack", h.Name), "stack "+h.Name+" is stable", func(ctx context.Context) (bool, error) {
		s, err := c.Status(ctx, h.Name)
		if err != nil {
			return false, err
		}
		status = s
		return s.Terminal(), nil
	}, c.pollInterval)
	if err != nil {
		// A poll in flight when the deadline hits surfaces as an SDK error
		// that does not unwrap to DeadlineExceeded, so consult the wait
		// context directly.
		if wctx.Err() != nil && ctx.Err() == nil {
			return StatusTimeout, nil
		}
		return "", fmt.Errorf("wait for stack %s: %w", h.Name, err)
	}
	return status, nil
}

// Status returns the current status of the named stack, or the empty status
// when the stack does not exist.
func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	out, err := c.api.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(name),
	})
	if err != nil {
		if isStackMissing(err) {
			return "", nil
		}
		return "", err
	}
	for _, stk := range out.Stacks {
		if stk.StackName != nil && *stk.StackName == name && stk.StackStatus != nil {
			return Status(*stk.StackStatus), nil
		}
	}
	return "", nil
}

// Outputs returns the output values of the stack referenced by h. It fails
// with ErrNotReady unless the stack is in a *_COMPLETE status.
func (c *Client) Outputs(ctx context.Context, h *Handle) (map[string]string, error) {
	out, err := c.api.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(h.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("describe stack %s: %w", h.Name, err)
	}
	for _, stk := range out.Stacks {
		if stk.StackName == nil || *stk.StackName != h.Name {
			continue
		}
		if stk.StackStatus == nil || !Status(*stk.StackStatus).Complete() {
			status := ""
			if stk.StackStatus != nil {
				status = *stk.StackStatus
			}
			return nil, fmt.Errorf("stack %s has status %s: %w", h.Name, status, ErrNotReady)
		}
		return parseOutputs(stk.Outputs), nil
	}
	return nil, fmt.Errorf("stack %s not found in describe response", h.Name)
}

// AllStatuses returns the status of every stack in the account.
func (c *Client) AllStatuses(ctx context.Context) (map[string]Status, error) {
	statuses := make(map[string]Status)
	var next *string
	for {
		out, err := c.api.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("describe stacks: %w", err)
		}
		for _, stk := range out.Stacks {
			if stk.StackName != nil && stk.StackStatus != nil {
				statuses[*stk.StackName] = Status(*stk.StackStatus)
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return statuses, nil
}

// AllOutputs returns the outputs of every stack in the account, merged into
// a single mapping. Output values are assumed to be unique per key or equal
// across stacks.
func (c *Client) AllOutputs(ctx context.Context) (map[string]string, error) {
	merged := make(map[string]string)
	var next *string
	for {
		out, err := c.api.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("describe stacks: %w", err)
		}
		for _, stk := range out.Stacks {
			for k, v := range parseOutputs(stk.Outputs) {
				merged[k] = v
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return merged, nil
}

func parseOutputs(outs []*cloudformation.Output) map[string]string {
	m := make(map[string]string, len(outs))
	for _, o := range outs {
		if o.OutputValue == nil {
			continue
		}
		key := ""
		if o.ExportName != nil {
			key = *o.ExportName
		} else if o.OutputKey != nil {
			key = *o.OutputKey
		}
		if key != "" {
			m[key] = *o.OutputValue
		}
	}
	return m
}

func makeParameters(params map[string]string) []*cloudformation.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cfnParams := make([]*cloudformation.Parameter, 0, len(keys))
	for _, k := range keys {
		cfnParams = append(cfnParams, &cloudformation.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return cfnParams
}

func isNoUpdates(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == validationError && aerr.Message() == noUpdatesMsg
	}
	return false
}

func isStackMissing(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == validationError && strings.Contains(aerr.Message(), "does not exist")
	}
	return false
}
