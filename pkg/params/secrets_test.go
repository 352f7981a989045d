package params

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

type fakeSecretsManager struct {
	secrets map[string]string // secret id -> secret string
	calls   int
}

func (f *fakeSecretsManager) GetSecretValueWithContext(_ aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	raw, ok := f.secrets[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceNotFoundException, "Secrets Manager can't find the specified secret.", nil)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(raw)}, nil
}

func TestSecretsSourceLookup(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"NotificationAddress": `[{"NotificationAddress":"oncall@example.com"}]`,
	}}
	src := NewSecretsSource(context.Background(), api)

	v, ok := src.Lookup("NotificationAddress")
	if !ok || v != "oncall@example.com" {
		t.Errorf("got (%q, %v)", v, ok)
	}
	if _, ok := src.Lookup("Absent"); ok {
		t.Error("missing secret reported as present")
	}
}

func TestSecretsSourceGitHubTokenAlias(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"GitHubCommitStatusPAT": `[{"GitHubCommitStatusPAT":"ghp-token"}]`,
	}}
	src := NewSecretsSource(context.Background(), api)

	v, ok := src.Lookup("GitHubToken")
	if !ok || v != "ghp-token" {
		t.Errorf("got (%q, %v), wanted the aliased secret value", v, ok)
	}
}

func TestSecretsSourceCachesLookups(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"GitHubCommitStatusPAT": `[{"GitHubCommitStatusPAT":"ghp-token"}]`,
	}}
	src := NewSecretsSource(context.Background(), api)

	for i := 0; i < 3; i++ {
		src.Lookup("GitHubToken")
		src.Lookup("Absent")
	}
	if api.calls != 2 {
		t.Errorf("got %d remote calls, wanted one per distinct secret", api.calls)
	}
}

func TestSecretsSourceRejectsMalformedSecret(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"TwoPairs": `[{"A":"1"},{"B":"2"}]`,
		"NotJSON":  `plain text`,
	}}
	src := NewSecretsSource(context.Background(), api)

	if _, ok := src.Lookup("TwoPairs"); ok {
		t.Error("multi-pair secret accepted")
	}
	if _, ok := src.Lookup("NotJSON"); ok {
		t.Error("non-JSON secret accepted")
	}
}

func TestResolveFallsBackToSecrets(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"GitHubCommitStatusPAT": `[{"GitHubCommitStatusPAT":"ghp-token"}]`,
	}}
	m := NewManager()
	m.Add(TierOutputs, NewMapSource("stack outputs", map[string]string{"S3BucketName": "cbmc-tools"}))
	m.Add(TierSecrets, NewSecretsSource(context.Background(), api))

	values, err := m.Resolve([]string{"GitHubToken", "S3BucketName"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values["GitHubToken"] != "ghp-token" {
		t.Errorf("GitHubToken resolved to %q", values["GitHubToken"])
	}
	if values["S3BucketName"] != "cbmc-tools" {
		t.Errorf("S3BucketName resolved to %q", values["S3BucketName"])
	}
}

func TestOutputsBeatSecrets(t *testing.T) {
	api := &fakeSecretsManager{secrets: map[string]string{
		"ProjectName": `[{"ProjectName":"FromSecret"}]`,
	}}
	m := NewManager()
	m.Add(TierOutputs, NewMapSource("stack outputs", map[string]string{"ProjectName": "FromOutputs"}))
	m.Add(TierSecrets, NewSecretsSource(context.Background(), api))

	v, ok, err := m.Value("ProjectName", nil, nil)
	if err != nil || !ok || v != "FromOutputs" {
		t.Errorf("got (%q, %v, %v), wanted the stack output", v, ok, err)
	}
}
