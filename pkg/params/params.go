// Package params resolves CloudFormation stack parameters from an ordered
// set of candidate sources: per-call overrides, the project parameters
// document, values derived by preprocessing steps, a deployed snapshot,
// existing stack outputs and stack spec defaults.
package params

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/slog"
)

// Tier is a priority rank for a parameter source. Lower values take
// precedence. Within one tier all applicable sources must agree on a value.
type Tier int

const (
	// TierProject holds the operator's project parameters document. User
	// intent always wins when present.
	TierProject Tier = iota
	// TierDerived holds values computed by preprocessing steps, such as
	// bucket policy allow-list expansion.
	TierDerived
	// TierSnapshot holds the parameters captured in the deployed snapshot.
	TierSnapshot
	// TierOutputs holds outputs of stacks already deployed in the account.
	TierOutputs
	// TierSecrets holds values stored in the account's Secrets Manager,
	// such as access tokens that must never appear in a checked-in document.
	TierSecrets
	// TierDefaults holds defaults embedded in the stack specification.
	TierDefaults

	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierProject:
		return "project"
	case TierDerived:
		return "derived"
	case TierSnapshot:
		return "snapshot"
	case TierOutputs:
		return "outputs"
	case TierSecrets:
		return "secrets"
	case TierDefaults:
		return "defaults"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Source is a named provider of candidate parameter values.
type Source interface {
	Name() string
	Lookup(key string) (string, bool)
}

// MapSource is a Source backed by a fixed mapping.
type MapSource struct {
	name   string
	values map[string]string
}

func NewMapSource(name string, values map[string]string) *MapSource {
	return &MapSource{name: name, values: values}
}

func (s *MapSource) Name() string { return s.name }

func (s *MapSource) Lookup(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Conditional wraps a source with a precondition. When applies returns false
// the source supplies no values.
func Conditional(src Source, applies func() bool) Source {
	return &conditionalSource{Source: src, applies: applies}
}

type conditionalSource struct {
	Source
	applies func() bool
}

func (s *conditionalSource) Lookup(key string) (string, bool) {
	if !s.applies() {
		return "", false
	}
	return s.Source.Lookup(key)
}

// ConflictError reports two or more applicable sources at the same priority
// tier supplying different values for one parameter.
type ConflictError struct {
	Key     string
	Tier    Tier
	Sources []string
	Values  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("parameter %s: conflicting values %v from %s sources %s",
		e.Key, e.Values, e.Tier, strings.Join(e.Sources, ", "))
}

// MissingParametersError reports required parameters no source supplies.
type MissingParametersError struct {
	Keys []string
}

func (e *MissingParametersError) Error() string {
	return "no value found for required parameters: " + strings.Join(e.Keys, ", ")
}

// Manager resolves parameter values by walking tiers in priority order.
type Manager struct {
	mu    sync.Mutex
	tiers [tierCount][]Source
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers a source at the given tier.
func (m *Manager) Add(tier Tier, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tier] = append(m.tiers[tier], src)
}

// Replace discards every source at the given tier and installs the given
// ones. Used to rebind the snapshot tier when an account switches snapshots
// and to refresh stack outputs between deployment tiers.
func (m *Manager) Replace(tier Tier, srcs ...Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tier] = srcs
}

// Value resolves a single parameter. The first tier containing exactly one
// applicable value (or several agreeing ones) wins; a tier whose applicable
// sources disagree yields a ConflictError. ok is false when no tier supplies
// a value.
func (m *Manager) Value(key string, overrides, defaults map[string]string) (string, bool, error) {
	if v, ok := overrides[key]; ok {
		return v, true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for tier := Tier(0); tier < tierCount; tier++ {
		var (
			names  []string
			values []string
		)
		for _, src := range m.tiers[tier] {
			v, ok := src.Lookup(key)
			if !ok {
				continue
			}
			names = append(names, src.Name())
			values = append(values, v)
		}
		if len(values) == 0 {
			continue
		}
		for _, v := range values[1:] {
			if v != values[0] {
				return "", false, &ConflictError{Key: key, Tier: tier, Sources: names, Values: values}
			}
		}
		return values[0], true, nil
	}

	if v, ok := defaults[key]; ok {
		return v, true, nil
	}
	return "", false, nil
}

// Resolve produces the final value for every required parameter, or fails
// before any deployment call can be made. overrides take precedence over
// every tier; defaults apply below every tier. Parameters that resolve to no
// value anywhere are collected into a single MissingParametersError.
func (m *Manager) Resolve(required []string, overrides, defaults map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(required))
	var missing []string
	for _, key := range required {
		v, ok, err := m.Value(key, overrides, defaults)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, key)
			continue
		}
		resolved[key] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingParametersError{Keys: missing}
	}
	slog.Debug("resolved parameters", "count", len(resolved))
	return resolved, nil
}
