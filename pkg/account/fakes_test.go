package account

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/codepipeline"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sts"
)

// fakeCloudFormation records deployments and reports each stack with the
// terminal status configured in results (CREATE_COMPLETE by default).
type fakeCloudFormation struct {
	mu      sync.Mutex
	stacks  map[string]string            // name -> status
	outputs map[string][]*cloudformation.Output
	results map[string]string            // name -> terminal status on deploy
	params  map[string]map[string]string // name -> parameters of the last deploy
	urls    map[string]string            // name -> template URL of the last deploy
	order   []string
}

func newFakeCloudFormation() *fakeCloudFormation {
	return &fakeCloudFormation{
		stacks:  make(map[string]string),
		outputs: make(map[string][]*cloudformation.Output),
		results: make(map[string]string),
		params:  make(map[string]map[string]string),
		urls:    make(map[string]string),
	}
}

func (f *fakeCloudFormation) record(name string, params []*cloudformation.Parameter, url *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, name)
	values := make(map[string]string, len(params))
	for _, p := range params {
		values[aws.StringValue(p.ParameterKey)] = aws.StringValue(p.ParameterValue)
	}
	f.params[name] = values
	f.urls[name] = aws.StringValue(url)

	status := f.results[name]
	if status == "" {
		status = cloudformation.StackStatusCreateComplete
	}
	f.stacks[name] = status
}

func (f *fakeCloudFormation) CreateStackWithContext(_ aws.Context, in *cloudformation.CreateStackInput, _ ...request.Option) (*cloudformation.CreateStackOutput, error) {
	f.record(aws.StringValue(in.StackName), in.Parameters, in.TemplateURL)
	return &cloudformation.CreateStackOutput{}, nil
}

func (f *fakeCloudFormation) UpdateStackWithContext(_ aws.Context, in *cloudformation.UpdateStackInput, _ ...request.Option) (*cloudformation.UpdateStackOutput, error) {
	f.record(aws.StringValue(in.StackName), in.Parameters, in.TemplateURL)
	return &cloudformation.UpdateStackOutput{}, nil
}

func (f *fakeCloudFormation) DescribeStacksWithContext(_ aws.Context, in *cloudformation.DescribeStacksInput, _ ...request.Option) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	describe := func(name string) *cloudformation.Stack {
		return &cloudformation.Stack{
			StackName:   aws.String(name),
			StackStatus: aws.String(f.stacks[name]),
			Outputs:     f.outputs[name],
		}
	}

	if in.StackName == nil {
		out := &cloudformation.DescribeStacksOutput{}
		for name := range f.stacks {
			out.Stacks = append(out.Stacks, describe(name))
		}
		return out, nil
	}

	name := aws.StringValue(in.StackName)
	if _, ok := f.stacks[name]; !ok {
		return nil, awserr.New("ValidationError", "Stack with id "+name+" does not exist", nil)
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []*cloudformation.Stack{describe(name)}}, nil
}

// fakeCodePipeline serves pre-configured latest executions with fixed
// terminal statuses.
type fakeCodePipeline struct {
	mu       sync.Mutex
	statuses map[string]string // pipeline -> terminal status
	listed   []string
	started  []string
}

func newFakeCodePipeline() *fakeCodePipeline {
	return &fakeCodePipeline{statuses: make(map[string]string)}
}

func (f *fakeCodePipeline) StartPipelineExecutionWithContext(_ aws.Context, in *codepipeline.StartPipelineExecutionInput, _ ...request.Option) (*codepipeline.StartPipelineExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.Name)
	f.started = append(f.started, name)
	return &codepipeline.StartPipelineExecutionOutput{
		PipelineExecutionId: aws.String(name + "-exec"),
	}, nil
}

func (f *fakeCodePipeline) GetPipelineExecutionWithContext(_ aws.Context, in *codepipeline.GetPipelineExecutionInput, _ ...request.Option) (*codepipeline.GetPipelineExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[aws.StringValue(in.PipelineName)]
	if status == "" {
		status = codepipeline.PipelineExecutionStatusSucceeded
	}
	return &codepipeline.GetPipelineExecutionOutput{
		PipelineExecution: &codepipeline.PipelineExecution{
			PipelineExecutionId: in.PipelineExecutionId,
			Status:              aws.String(status),
		},
	}, nil
}

func (f *fakeCodePipeline) ListPipelineExecutionsWithContext(_ aws.Context, in *codepipeline.ListPipelineExecutionsInput, _ ...request.Option) (*codepipeline.ListPipelineExecutionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.PipelineName)
	f.listed = append(f.listed, name)
	if _, ok := f.statuses[name]; !ok {
		return &codepipeline.ListPipelineExecutionsOutput{}, nil
	}
	return &codepipeline.ListPipelineExecutionsOutput{
		PipelineExecutionSummaries: []*codepipeline.PipelineExecutionSummary{
			{PipelineExecutionId: aws.String(name + "-exec")},
		},
	}, nil
}

// fakeS3 is an in-memory object store with a bucket policy.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	policy  string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObjectWithContext(_ aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := aws.StringValue(in.CopySource)
	if i := strings.Index(src, "/"); i >= 0 {
		src = src[i+1:]
	}
	data, ok := f.objects[src]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.StringValue(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
		}
	}
	fn(out, true)
	return nil
}

func (f *fakeS3) GetBucketPolicyWithContext(_ aws.Context, _ *s3.GetBucketPolicyInput, _ ...request.Option) (*s3.GetBucketPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policy == "" {
		return nil, awserr.New("NoSuchBucketPolicy", "The bucket policy does not exist", nil)
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(f.policy)}, nil
}

func (f *fakeS3) PutBucketPolicyWithContext(_ aws.Context, in *s3.PutBucketPolicyInput, _ ...request.Option) (*s3.PutBucketPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = aws.StringValue(in.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *fakeS3) DeleteBucketPolicyWithContext(_ aws.Context, _ *s3.DeleteBucketPolicyInput, _ ...request.Option) (*s3.DeleteBucketPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = ""
	return &s3.DeleteBucketPolicyOutput{}, nil
}

// fakeSTS answers caller identity with a fixed account id.
type fakeSTS struct {
	id string
}

func (f *fakeSTS) GetCallerIdentityWithContext(aws.Context, *sts.GetCallerIdentityInput, ...request.Option) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.id)}, nil
}
