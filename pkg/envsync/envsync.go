// Package envsync pushes CI control flags into the runtime environment of
// an account's Lambda functions and CodeBuild projects, so the deployed
// services pick up configuration changes without a stack update.
package envsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/codebuild"
	"github.com/aws/aws-sdk-go/service/lambda"
	"golang.org/x/exp/slog"
)

// LambdaAPI is the subset of the Lambda API used to read and write function
// environment variables.
type LambdaAPI interface {
	ListFunctionsWithContext(aws.Context, *lambda.ListFunctionsInput, ...request.Option) (*lambda.ListFunctionsOutput, error)
	GetFunctionConfigurationWithContext(aws.Context, *lambda.GetFunctionConfigurationInput, ...request.Option) (*lambda.FunctionConfiguration, error)
	UpdateFunctionConfigurationWithContext(aws.Context, *lambda.UpdateFunctionConfigurationInput, ...request.Option) (*lambda.FunctionConfiguration, error)
}

var _ LambdaAPI = (*lambda.Lambda)(nil)

// CodeBuildAPI is the subset of the CodeBuild API used to read and write
// project environment variables.
type CodeBuildAPI interface {
	ListProjectsWithContext(aws.Context, *codebuild.ListProjectsInput, ...request.Option) (*codebuild.ListProjectsOutput, error)
	BatchGetProjectsWithContext(aws.Context, *codebuild.BatchGetProjectsInput, ...request.Option) (*codebuild.BatchGetProjectsOutput, error)
	UpdateProjectWithContext(aws.Context, *codebuild.UpdateProjectInput, ...request.Option) (*codebuild.UpdateProjectOutput, error)
}

var _ CodeBuildAPI = (*codebuild.CodeBuild)(nil)

// Client updates the environment of one account's CI services. Functions,
// projects and variables are addressed by a unique case-insensitive name
// fragment, because stack deployments decorate the declared names with
// generated prefixes and suffixes.
type Client struct {
	lambda    LambdaAPI
	codebuild CodeBuildAPI
}

func New(lambdaAPI LambdaAPI, codebuildAPI CodeBuildAPI) *Client {
	return &Client{lambda: lambdaAPI, codebuild: codebuildAPI}
}

// SetFunctionFlag sets a boolean environment variable on the single Lambda
// function whose name contains function. The variable must already exist.
func (c *Client) SetFunctionFlag(ctx context.Context, function, variable string, value bool) error {
	name, err := c.functionName(ctx, function)
	if err != nil {
		return err
	}
	cfg, err := c.lambda.GetFunctionConfigurationWithContext(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("get configuration of function %s: %w", name, err)
	}
	if cfg.Environment == nil {
		return fmt.Errorf("function %s has no environment variables", name)
	}
	vars := aws.StringValueMap(cfg.Environment.Variables)
	key, err := matchOne(variable, mapKeys(vars))
	if err != nil {
		return fmt.Errorf("function %s: %w", name, err)
	}
	vars[key] = boolString(value)
	if _, err := c.lambda.UpdateFunctionConfigurationWithContext(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(name),
		Environment:  &lambda.Environment{Variables: aws.StringMap(vars)},
	}); err != nil {
		return fmt.Errorf("update configuration of function %s: %w", name, err)
	}
	slog.Info("set function environment variable", "function", name, "variable", key, "value", boolString(value))
	return nil
}

// SetProjectFlag sets a boolean environment variable on the single
// CodeBuild project whose name contains project. The variable must already
// exist.
func (c *Client) SetProjectFlag(ctx context.Context, project, variable string, value bool) error {
	name, err := c.projectName(ctx, project)
	if err != nil {
		return err
	}
	out, err := c.codebuild.BatchGetProjectsWithContext(ctx, &codebuild.BatchGetProjectsInput{
		Names: aws.StringSlice([]string{name}),
	})
	if err != nil {
		return fmt.Errorf("get project %s: %w", name, err)
	}
	if len(out.Projects) != 1 {
		return fmt.Errorf("no single project named %s", name)
	}
	env := out.Projects[0].Environment
	if env == nil {
		return fmt.Errorf("project %s has no environment", name)
	}

	names := make([]string, 0, len(env.EnvironmentVariables))
	for _, v := range env.EnvironmentVariables {
		names = append(names, aws.StringValue(v.Name))
	}
	key, err := matchOne(variable, names)
	if err != nil {
		return fmt.Errorf("project %s: %w", name, err)
	}
	for _, v := range env.EnvironmentVariables {
		if aws.StringValue(v.Name) == key {
			v.Value = aws.String(boolString(value))
		}
	}

	if _, err := c.codebuild.UpdateProjectWithContext(ctx, &codebuild.UpdateProjectInput{
		Name:        aws.String(name),
		Environment: env,
	}); err != nil {
		return fmt.Errorf("update project %s: %w", name, err)
	}
	slog.Info("set project environment variable", "project", name, "variable", key, "value", boolString(value))
	return nil
}

func (c *Client) functionName(ctx context.Context, substr string) (string, error) {
	out, err := c.lambda.ListFunctionsWithContext(ctx, &lambda.ListFunctionsInput{})
	if err != nil {
		return "", fmt.Errorf("list functions: %w", err)
	}
	names := make([]string, 0, len(out.Functions))
	for _, fn := range out.Functions {
		names = append(names, aws.StringValue(fn.FunctionName))
	}
	name, err := matchOne(substr, names)
	if err != nil {
		return "", fmt.Errorf("function %s: %w", substr, err)
	}
	return name, nil
}

func (c *Client) projectName(ctx context.Context, substr string) (string, error) {
	out, err := c.codebuild.ListProjectsWithContext(ctx, &codebuild.ListProjectsInput{})
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	name, err := matchOne(substr, aws.StringValueSlice(out.Projects))
	if err != nil {
		return "", fmt.Errorf("project %s: %w", substr, err)
	}
	return name, nil
}

// matchOne returns the single candidate containing substr, ignoring case.
func matchOne(substr string, candidates []string) (string, error) {
	var matches []string
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c), strings.ToLower(substr)) {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("no single name matching %q in %v", substr, candidates)
	}
	return matches[0], nil
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// boolString renders flags the way the deployed services parse them.
func boolString(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
