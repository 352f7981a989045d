package policy

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// fakeBucketPolicyAPI keeps the policy document in memory. An empty policy
// behaves like S3: reads fail with NoSuchBucketPolicy.
type fakeBucketPolicyAPI struct {
	policy string
	puts   int
}

func (f *fakeBucketPolicyAPI) GetBucketPolicyWithContext(_ aws.Context, _ *s3.GetBucketPolicyInput, _ ...request.Option) (*s3.GetBucketPolicyOutput, error) {
	if f.policy == "" {
		return nil, awserr.New(noSuchBucketPolicy, "The bucket policy does not exist", nil)
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(f.policy)}, nil
}

func (f *fakeBucketPolicyAPI) PutBucketPolicyWithContext(_ aws.Context, in *s3.PutBucketPolicyInput, _ ...request.Option) (*s3.PutBucketPolicyOutput, error) {
	f.policy = aws.StringValue(in.Policy)
	f.puts++
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *fakeBucketPolicyAPI) DeleteBucketPolicyWithContext(_ aws.Context, _ *s3.DeleteBucketPolicyInput, _ ...request.Option) (*s3.DeleteBucketPolicyOutput, error) {
	f.policy = ""
	return &s3.DeleteBucketPolicyOutput{}, nil
}

func TestGrantReadCreatesStatement(t *testing.T) {
	ctx := context.Background()
	api := &fakeBucketPolicyAPI{}
	m := New(api, "shared-tools")

	if err := m.GrantRead(ctx, "111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodePolicy(t, api.policy)
	if len(doc.Statement) != 1 {
		t.Fatalf("got %d statements, wanted 1", len(doc.Statement))
	}
	stmt := doc.Statement[0]
	if stmt.Sid != sharedReadSid {
		t.Errorf("got sid %q", stmt.Sid)
	}
	if want := []string{"arn:aws:iam::111111111111:root"}; !reflect.DeepEqual([]string(stmt.Principal.AWS), want) {
		t.Errorf("got principals %v, wanted %v", stmt.Principal.AWS, want)
	}
	for _, action := range readActions {
		if !contains(stmt.Action, action) {
			t.Errorf("statement is missing action %s", action)
		}
	}
	if !contains(stmt.Resource, "arn:aws:s3:::shared-tools/*") {
		t.Errorf("statement is missing the object resource: %v", stmt.Resource)
	}
}

func TestGrantReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	api := &fakeBucketPolicyAPI{}
	m := New(api, "shared-tools")

	for i := 0; i < 3; i++ {
		if err := m.GrantRead(ctx, "111111111111"); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}

	if api.puts != 1 {
		t.Errorf("policy written %d times, wanted 1", api.puts)
	}
	doc := decodePolicy(t, api.policy)
	if len(doc.Statement) != 1 || len(doc.Statement[0].Principal.AWS) != 1 {
		t.Errorf("repeated grants changed the statement: %s", api.policy)
	}
}

func TestGrantReadPreservesForeignStatements(t *testing.T) {
	ctx := context.Background()
	api := &fakeBucketPolicyAPI{policy: `{
		"Version": "2012-10-17",
		"Statement": [
			{"Sid": "DenyInsecure", "Effect": "Deny", "Principal": {"AWS": "*"}, "Action": "s3:*", "Resource": "arn:aws:s3:::shared-tools/*"}
		]
	}`}
	m := New(api, "shared-tools")

	if err := m.GrantRead(ctx, "222222222222"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodePolicy(t, api.policy)
	if len(doc.Statement) != 2 {
		t.Fatalf("got %d statements, wanted the foreign one kept: %s", len(doc.Statement), api.policy)
	}
	if doc.Statement[0].Sid != "DenyInsecure" {
		t.Errorf("foreign statement not preserved: %s", api.policy)
	}
}

func TestRevokeRead(t *testing.T) {
	ctx := context.Background()
	api := &fakeBucketPolicyAPI{}
	m := New(api, "shared-tools")

	if err := m.GrantRead(ctx, "111111111111"); err != nil {
		t.Fatal(err)
	}
	if err := m.GrantRead(ctx, "222222222222"); err != nil {
		t.Fatal(err)
	}

	if err := m.RevokeRead(ctx, "111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, err := m.ListGrantedAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"222222222222"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("got %v, wanted %v", ids, want)
	}

	// Removing the last principal removes the whole policy.
	if err := m.RevokeRead(ctx, "222222222222"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.policy != "" {
		t.Errorf("policy not deleted: %s", api.policy)
	}
}

func TestRevokeReadWithoutGrantIsNoop(t *testing.T) {
	ctx := context.Background()
	api := &fakeBucketPolicyAPI{}
	m := New(api, "shared-tools")

	if err := m.RevokeRead(ctx, "111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.policy != "" || api.puts != 0 {
		t.Errorf("revoke of an absent grant wrote a policy: %s", api.policy)
	}
}

func TestListGrantedAccountsEmptyBucket(t *testing.T) {
	m := New(&fakeBucketPolicyAPI{}, "shared-tools")
	ids, err := m.ListGrantedAccounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("got %v from an empty bucket", ids)
	}
}

func TestStringListAcceptsBareString(t *testing.T) {
	var l stringList
	if err := json.Unmarshal([]byte(`"arn:aws:iam::111111111111:root"`), &l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l) != 1 || !strings.Contains(l[0], "111111111111") {
		t.Errorf("got %v", l)
	}
}

func decodePolicy(t *testing.T, policy string) *document {
	t.Helper()
	doc := new(document)
	if err := json.Unmarshal([]byte(policy), doc); err != nil {
		t.Fatalf("decode policy %q: %v", policy, err)
	}
	return doc
}

func contains(l stringList, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
