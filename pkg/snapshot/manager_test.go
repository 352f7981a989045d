package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// fakeS3 is an in-memory object store.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
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
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObjectWithContext(_ aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
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
	prefix := aws.StringValue(in.Prefix)
	delim := aws.StringValue(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := make(map[string]bool)
	for _, key := range keys {
		if delim != "" {
			rest := strings.TrimPrefix(key, prefix)
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, &s3.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
	}
	fn(out, true)
	return nil
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func fixedClock(value string) func() time.Time {
	t, err := time.Parse("20060102-150405", value)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t.UTC() }
}

func TestCreateCapturesLatestPackages(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	api.objects["package/cbmc/cbmc-20230101-aaa.tar.gz"] = []byte("old")
	api.objects["package/cbmc/cbmc-20230202-bbb.tar.gz"] = []byte("new")
	api.objects["package/template/template-20230101-aaa.tar.gz"] = makeTarGz(t, map[string]string{
		"templates/build-globals.yaml": "globals",
		"templates/github.yaml":        "github",
	})

	m := New(api, "shared-tools", ProofPrefix, []string{"cbmc", "template"}).
		WithClock(fixedClock("20230301-120000"))

	id, err := m.Create(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "20230301-120000" {
		t.Errorf("got id %q", id)
	}

	dir := "snapshot/snapshot-20230301-120000/"
	if got := string(api.objects[dir+"cbmc.tar.gz"]); got != "new" {
		t.Errorf("captured package %q, wanted the latest build", got)
	}
	if got := string(api.objects[dir+"build-globals.yaml"]); got != "globals" {
		t.Errorf("template not extracted into the snapshot: %q", got)
	}
	if got := string(api.objects[dir+"github.yaml"]); got != "github" {
		t.Errorf("template not extracted into the snapshot: %q", got)
	}

	snap, err := m.Read(ctx, id)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if snap.Packages["cbmc"] != "cbmc-20230202-bbb.tar.gz" {
		t.Errorf("document records package %q", snap.Packages["cbmc"])
	}
	if snap.Templates["github.yaml"] == "" {
		t.Errorf("document records no template keys: %v", snap.Templates)
	}
	if len(snap.Parameters) != 0 {
		t.Errorf("snapshot captured parameters it was not given: %v", snap.Parameters)
	}
}

func TestCreateHonorsPackageOverrides(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	api.objects["package/cbmc/cbmc-20230101-aaa.tar.gz"] = []byte("old")
	api.objects["package/cbmc/cbmc-20230202-bbb.tar.gz"] = []byte("new")

	m := New(api, "shared-tools", ProofPrefix, []string{"cbmc"}).
		WithClock(fixedClock("20230301-120000"))

	id, err := m.Create(ctx, map[string]string{"cbmc": "cbmc-20230101-aaa.tar.gz"}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := "snapshot/snapshot-" + id + "/"
	if got := string(api.objects[dir+"cbmc.tar.gz"]); got != "old" {
		t.Errorf("override ignored, captured %q", got)
	}
}

func TestCreateFailsWithoutPackages(t *testing.T) {
	m := New(newFakeS3(), "shared-tools", ProofPrefix, []string{"cbmc"})
	if _, err := m.Create(context.Background(), nil, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, wanted ErrNotFound", err)
	}
}

func TestReadNotFound(t *testing.T) {
	m := New(newFakeS3(), "shared-tools", ProofPrefix, nil)
	if _, err := m.Read(context.Background(), "20230101-000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, wanted ErrNotFound", err)
	}
}

func TestReadParsesDocument(t *testing.T) {
	api := newFakeS3()
	doc, _ := json.Marshal(&Snapshot{
		ID:         "20230101-000000",
		Packages:   map[string]string{"cbmc": "cbmc-20221231-fff.tar.gz"},
		Parameters: map[string]string{"ProjectName": "MQTT"},
	})
	api.objects["snapshot/snapshot-20230101-000000/snapshot-20230101-000000.json"] = doc

	m := New(api, "shared-tools", ProofPrefix, nil)
	snap, err := m.Read(context.Background(), "20230101-000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values := snap.ParameterValues()
	if values["SnapshotID"] != "20230101-000000" {
		t.Errorf("ParameterValues is missing the identifier: %v", values)
	}
	if values["ProjectName"] != "MQTT" {
		t.Errorf("ParameterValues dropped a captured value: %v", values)
	}
}

func TestLatest(t *testing.T) {
	api := newFakeS3()
	api.objects["snapshot/snapshot-20230101-000000/snapshot-20230101-000000.json"] = []byte("{}")
	api.objects["snapshot/snapshot-20230215-093000/snapshot-20230215-093000.json"] = []byte("{}")
	api.objects["tool-account-images/snapshot-20230301-000000/snapshot-20230301-000000.json"] = []byte("{}")

	m := New(api, "shared-tools", ProofPrefix, nil)
	id, err := m.Latest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "20230215-093000" {
		t.Errorf("got %q, other prefixes must not leak in", id)
	}
}

func TestLatestEmptyStore(t *testing.T) {
	m := New(newFakeS3(), "shared-tools", ProofPrefix, nil)
	if _, err := m.Latest(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, wanted ErrNotFound", err)
	}
}

func TestTemplateURL(t *testing.T) {
	m := New(newFakeS3(), "shared-tools", ProofPrefix, nil)
	got := m.TemplateURL("20230101-000000", "github.yaml")
	want := "https://s3.amazonaws.com/shared-tools/snapshot/snapshot-20230101-000000/github.yaml"
	if got != want {
		t.Errorf("got %q, wanted %q", got, want)
	}
}

func TestNewID(t *testing.T) {
	at := time.Date(2023, 3, 1, 12, 30, 45, 0, time.UTC)
	if got := NewID(at, ""); got != "20230301-123045" {
		t.Errorf("got %q", got)
	}
	if got := NewID(at, "ab12cd3"); got != "20230301-123045-ab12cd3" {
		t.Errorf("got %q", got)
	}

	// Identifier order must equal chronological order.
	earlier := NewID(at.Add(-time.Hour), "")
	if !(earlier < NewID(at, "")) {
		t.Errorf("identifiers do not sort chronologically: %q vs %q", earlier, NewID(at, ""))
	}
}
