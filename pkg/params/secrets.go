package params

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"golang.org/x/exp/slog"
)

// SecretsAPI is the subset of the Secrets Manager API used to look up
// parameter values. The real *secretsmanager.SecretsManager client
// satisfies it.
type SecretsAPI interface {
	GetSecretValueWithContext(aws.Context, *secretsmanager.GetSecretValueInput, ...request.Option) (*secretsmanager.GetSecretValueOutput, error)
}

var _ SecretsAPI = (*secretsmanager.SecretsManager)(nil)

// secretAliases maps parameter keys to the secret ids that hold them, where
// the two names drifted apart historically.
var secretAliases = map[string]string{
	"GitHubToken": "GitHubCommitStatusPAT",
}

// SecretsSource resolves parameters against the account's Secrets Manager.
// Each secret string is a singleton list of one key-value pair, named after
// the parameter it supplies. Lookups are cached, misses included, so
// resolving many stacks stays cheap.
type SecretsSource struct {
	ctx context.Context
	api SecretsAPI

	mu    sync.Mutex
	cache map[string]secretEntry
}

type secretEntry struct {
	value string
	ok    bool
}

// NewSecretsSource returns a source bound to the given context, which must
// outlive every resolution the source takes part in.
func NewSecretsSource(ctx context.Context, api SecretsAPI) *SecretsSource {
	return &SecretsSource{ctx: ctx, api: api, cache: make(map[string]secretEntry)}
}

func (s *SecretsSource) Name() string { return "secrets manager" }

func (s *SecretsSource) Lookup(key string) (string, bool) {
	id := key
	if alias, ok := secretAliases[key]; ok {
		id = alias
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.cache[id]; ok {
		return entry.value, entry.ok
	}

	entry := secretEntry{}
	out, err := s.api.GetSecretValueWithContext(s.ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		slog.Debug("no such secret", "secret_id", id)
	} else {
		entry.value, entry.ok = parseSecretString(aws.StringValue(out.SecretString))
		if !entry.ok {
			slog.Warn("secret is not a singleton key-value pair, ignoring it", "secret_id", id)
		}
	}
	s.cache[id] = entry
	return entry.value, entry.ok
}

// parseSecretString unpacks the stored form: a JSON list holding exactly one
// object with exactly one key.
func parseSecretString(raw string) (string, bool) {
	var pairs []map[string]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return "", false
	}
	if len(pairs) != 1 || len(pairs[0]) != 1 {
		return "", false
	}
	for _, v := range pairs[0] {
		return v, true
	}
	return "", false
}
