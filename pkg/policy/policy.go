// Package policy manages the bucket policy of the shared tools bucket,
// granting proof accounts read access to published snapshots and packages.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/exp/slog"
)

// API is the subset of the S3 API used to read and write bucket policies.
type API interface {
	GetBucketPolicyWithContext(aws.Context, *s3.GetBucketPolicyInput, ...request.Option) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicyWithContext(aws.Context, *s3.PutBucketPolicyInput, ...request.Option) (*s3.PutBucketPolicyOutput, error)
	DeleteBucketPolicyWithContext(aws.Context, *s3.DeleteBucketPolicyInput, ...request.Option) (*s3.DeleteBucketPolicyOutput, error)
}

var _ API = (*s3.S3)(nil)

const (
	noSuchBucketPolicy = "NoSuchBucketPolicy"

	// sharedReadSid identifies the single statement these tools manage.
	sharedReadSid = "SharedToolsRead"

	arnPrefix = "arn:aws:iam::"
	arnSuffix = ":root"
)

var readActions = []string{"s3:GetObject", "s3:ListBucket"}

// Manager grants and revokes cross-account read access on a bucket. All
// mutations are read-modify-write merges on a single statement, so two
// concurrent runs on the same bucket can race; callers must ensure only one
// orchestration run mutates a given bucket's policy at a time.
type Manager struct {
	api    API
	bucket string
}

func New(api API, bucket string) *Manager {
	return &Manager{api: api, bucket: bucket}
}

// GrantRead allows the given account to read objects in the bucket. Granting
// an account that already holds access leaves the policy unchanged.
func (m *Manager) GrantRead(ctx context.Context, accountID string) error {
	doc, err := m.readPolicy(ctx)
	if err != nil {
		return err
	}

	stmt := doc.sharedReadStatement(m.bucket)
	for _, p := range stmt.Principal.AWS {
		if p == accountArn(accountID) {
			slog.Debug("account already granted read access", "bucket", m.bucket, "account_id", accountID)
			return nil
		}
	}
	stmt.Principal.AWS = append(stmt.Principal.AWS, accountArn(accountID))
	sort.Strings(stmt.Principal.AWS)

	slog.Info("granting bucket read access", "bucket", m.bucket, "account_id", accountID)
	return m.writePolicy(ctx, doc)
}

// RevokeRead removes the given account from the policy. Revoking an account
// that holds no grant is a no-op, not an error.
func (m *Manager) RevokeRead(ctx context.Context, accountID string) error {
	doc, err := m.readPolicy(ctx)
	if err != nil {
		return err
	}

	stmt := doc.sharedReadStatement(m.bucket)
	kept := stmt.Principal.AWS[:0]
	removed := false
	for _, p := range stmt.Principal.AWS {
		if p == accountArn(accountID) {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return nil
	}
	stmt.Principal.AWS = kept

	slog.Info("revoking bucket read access", "bucket", m.bucket, "account_id", accountID)
	if len(stmt.Principal.AWS) == 0 {
		_, err := m.api.DeleteBucketPolicyWithContext(ctx, &s3.DeleteBucketPolicyInput{
			Bucket: aws.String(m.bucket),
		})
		if err != nil {
			return fmt.Errorf("delete policy of bucket %s: %w", m.bucket, err)
		}
		return nil
	}
	return m.writePolicy(ctx, doc)
}

// ListGrantedAccounts returns the IDs of every account the policy currently
// grants read access to.
func (m *Manager) ListGrantedAccounts(ctx context.Context) ([]string, error) {
	doc, err := m.readPolicy(ctx)
	if err != nil {
		return nil, err
	}
	stmt := doc.sharedReadStatement(m.bucket)
	ids := make([]string, 0, len(stmt.Principal.AWS))
	for _, p := range stmt.Principal.AWS {
		ids = append(ids, accountID(p))
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Manager) readPolicy(ctx context.Context) (*document, error) {
	out, err := m.api.GetBucketPolicyWithContext(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(m.bucket),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == noSuchBucketPolicy {
			slog.Debug("bucket has no policy yet, starting from an empty statement list", "bucket", m.bucket)
			return &document{Version: "2012-10-17"}, nil
		}
		return nil, fmt.Errorf("get policy of bucket %s: %w", m.bucket, err)
	}

	doc := new(document)
	if err := json.Unmarshal([]byte(aws.StringValue(out.Policy)), doc); err != nil {
		return nil, fmt.Errorf("decode policy of bucket %s: %w", m.bucket, err)
	}
	return doc, nil
}

func (m *Manager) writePolicy(ctx context.Context, doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = m.api.PutBucketPolicyWithContext(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(m.bucket),
		Policy: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("put policy of bucket %s: %w", m.bucket, err)
	}
	return nil
}

type document struct {
	Version   string       `json:"Version"`
	Statement []*statement `json:"Statement"`
}

type statement struct {
	Sid       string     `json:"Sid,omitempty"`
	Effect    string     `json:"Effect"`
	Principal principal  `json:"Principal"`
	Action    stringList `json:"Action"`
	Resource  stringList `json:"Resource"`
}

type principal struct {
	AWS stringList `json:"AWS"`
}

// sharedReadStatement returns the statement managed by these tools, adding
// an empty one to the document if absent.
func (d *document) sharedReadStatement(bucket string) *statement {
	for _, s := range d.Statement {
		if s.Sid == sharedReadSid {
			return s
		}
	}
	s := &statement{
		Sid:    sharedReadSid,
		Effect: "Allow",
		Action: readActions,
		Resource: []string{
			"arn:aws:s3:::" + bucket,
			"arn:aws:s3:::" + bucket + "/*",
		},
	}
	d.Statement = append(d.Statement, s)
	return s
}

// stringList accepts both a bare JSON string and a list of strings, since
// AWS collapses single-element principal and action lists.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func accountArn(id string) string {
	return arnPrefix + id + arnSuffix
}

func accountID(arn string) string {
	return strings.TrimSuffix(strings.TrimPrefix(arn, arnPrefix), arnSuffix)
}
