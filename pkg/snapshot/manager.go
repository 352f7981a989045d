package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/exp/slog"
)

// API is the subset of the S3 API used by the snapshot store.
type API interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
	CopyObjectWithContext(aws.Context, *s3.CopyObjectInput, ...request.Option) (*s3.CopyObjectOutput, error)
	ListObjectsV2PagesWithContext(aws.Context, *s3.ListObjectsV2Input, func(*s3.ListObjectsV2Output, bool) bool, ...request.Option) error
}

var _ API = (*s3.S3)(nil)

const (
	// PackagePrefix is where build pipelines publish tool packages, one
	// directory per tool: package/<tool>/<tool>-<timestamp>-<commit>.<ext>.
	PackagePrefix = "package/"

	// ToolsPrefix holds snapshots of the build tools account itself.
	ToolsPrefix = "tool-account-images/"

	// ProofPrefix holds snapshots deployable into proof accounts.
	ProofPrefix = "snapshot/"

	snapshotDirFormat = "snapshot-%s/"

	// templateTool is the package whose tarball is extracted into the
	// snapshot so stacks can be deployed from individual template files.
	templateTool = "template"
)

// ErrNotFound is returned when a referenced snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// canonicalNames gives downloaded packages predictable file names inside
// the snapshot regardless of the timestamped name they were built under.
var canonicalNames = map[string]string{
	"batch":  "cbmc-batch.tar.gz",
	"cbmc":   "cbmc.tar.gz",
	"lambda": "lambda.zip",
	"viewer": "cbmc-viewer.tar.gz",
}

// Manager writes and reads snapshot bundles in one account's shared tools
// bucket under a fixed prefix.
type Manager struct {
	api    API
	bucket string
	prefix string
	tools  []string
	now    func() time.Time
}

// New returns a manager for the bucket and snapshot prefix. tools names the
// packages each snapshot must capture.
func New(api API, bucket, prefix string, tools []string) *Manager {
	return &Manager{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		tools:  tools,
		now:    time.Now,
	}
}

// WithClock overrides the time source used to mint identifiers.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Bucket returns the name of the bucket the manager operates on.
func (m *Manager) Bucket() string { return m.bucket }

// API returns the S3 controller the manager operates through, so a second
// manager over a different prefix can share the same credentials.
func (m *Manager) API() API { return m.api }

// Create captures a new snapshot from the most recent build of every
// required tool, substituting entries from overrides where present, and
// writes the bundle under a freshly minted identifier. parameters is the
// resolved parameter set to capture; it must never include values scoped to
// a specific proof project when the manager operates on the shared tools
// prefix.
func (m *Manager) Create(ctx context.Context, overrides map[string]string, parameters map[string]string, shortCommit string) (string, error) {
	id := NewID(m.now(), shortCommit)
	dir := m.prefix + fmt.Sprintf(snapshotDirFormat, id)
	logger := slog.With("snapshot_id", id, "bucket", m.bucket)
	logger.Info("creating snapshot")

	snap := &Snapshot{
		ID:         id,
		Templates:  make(map[string]string),
		Packages:   make(map[string]string, len(m.tools)),
		Parameters: parameters,
	}

	for _, tool := range m.tools {
		filename, ok := overrides[tool]
		if !ok {
			var err error
			filename, err = m.latestPackage(ctx, tool)
			if err != nil {
				return "", fmt.Errorf("find latest %s package: %w", tool, err)
			}
		}
		snap.Packages[tool] = filename
		src := PackagePrefix + tool + "/" + filename
		logger.Debug("capturing package", "tool", tool, "package", filename)

		if tool == templateTool {
			keys, err := m.extractTemplates(ctx, src, dir)
			if err != nil {
				return "", fmt.Errorf("extract template package %s: %w", filename, err)
			}
			for name, key := range keys {
				snap.Templates[name] = key
			}
			continue
		}

		dst := dir + canonicalName(tool, filename)
		if err := m.copyObject(ctx, src, dst); err != nil {
			return "", fmt.Errorf("capture %s package: %w", tool, err)
		}
	}

	doc, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot document: %w", err)
	}
	key := dir + documentName(id)
	if _, err := m.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(doc),
	}); err != nil {
		return "", fmt.Errorf("write snapshot document %s: %w", key, err)
	}

	logger.Info("snapshot created")
	return id, nil
}

// Read fetches the snapshot document for the given identifier. It fails
// with ErrNotFound when the identifier does not exist.
func (m *Manager) Read(ctx context.Context, id string) (*Snapshot, error) {
	key := m.prefix + fmt.Sprintf(snapshotDirFormat, id) + documentName(id)
	out, err := m.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot document %s: %w", key, err)
	}
	defer out.Body.Close()

	snap := new(Snapshot)
	if err := json.NewDecoder(out.Body).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot document %s: %w", key, err)
	}
	if snap.ID == "" {
		snap.ID = id
	}
	return snap, nil
}

// Latest returns the identifier of the most recent snapshot under the
// manager's prefix. Identifiers sort lexicographically in chronological
// order, so the greatest key wins.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	var latest string
	err := m.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(m.bucket),
		Prefix:    aws.String(m.prefix + "snapshot-"),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, cp := range page.CommonPrefixes {
			id := parseSnapshotDir(aws.StringValue(cp.Prefix), m.prefix)
			if id > latest {
				latest = id
			}
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("list snapshots in bucket %s: %w", m.bucket, err)
	}
	if latest == "" {
		return "", fmt.Errorf("bucket %s has no snapshots under %s: %w", m.bucket, m.prefix, ErrNotFound)
	}
	return latest, nil
}

// TemplateURL returns the https URL of a template file inside a snapshot,
// suitable for a CloudFormation TemplateURL argument.
func (m *Manager) TemplateURL(id, templateName string) string {
	return fmt.Sprintf("https://s3.amazonaws.com/%s/%s%s", m.bucket,
		m.prefix+fmt.Sprintf(snapshotDirFormat, id), templateName)
}

// latestPackage returns the file name of the most recent build of a tool.
// Package file names embed their build timestamp, so the lexicographically
// greatest key under the tool's prefix is the newest build.
func (m *Manager) latestPackage(ctx context.Context, tool string) (string, error) {
	prefix := PackagePrefix + tool + "/"
	var latest string
	err := m.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if key > latest {
				latest = key
			}
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", fmt.Errorf("no packages under %s: %w", prefix, ErrNotFound)
	}
	return strings.TrimPrefix(latest, prefix), nil
}

// extractTemplates downloads the template package tarball and republishes
// each file it contains under the snapshot directory, so stacks can later be
// deployed straight from S3 template URLs.
func (m *Manager) extractTemplates(ctx context.Context, src, dir string) (map[string]string, error) {
	out, err := m.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", src, err)
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	keys := make(map[string]string)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		// Flatten any leading directory inside the tarball.
		name := path.Base(hdr.Name)
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s from tar stream: %w", hdr.Name, err)
		}
		key := dir + name
		if _, err := m.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return nil, fmt.Errorf("write %s: %w", key, err)
		}
		keys[name] = key
	}
	if len(keys) == 0 {
		return nil, errors.New("template package contains no files")
	}
	return keys, nil
}

func (m *Manager) copyObject(ctx context.Context, src, dst string) error {
	_, err := m.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(m.bucket),
		CopySource: aws.String(m.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func canonicalName(tool, filename string) string {
	if name, ok := canonicalNames[tool]; ok {
		return name
	}
	ext := path.Ext(filename)
	if ext == ".gz" && strings.HasSuffix(filename, ".tar.gz") {
		ext = ".tar.gz"
	}
	return tool + ext
}

func documentName(id string) string {
	return "snapshot-" + id + ".json"
}

func parseSnapshotDir(prefix, base string) string {
	id := strings.TrimPrefix(prefix, base)
	id = strings.TrimPrefix(id, "snapshot-")
	return strings.TrimSuffix(id, "/")
}
