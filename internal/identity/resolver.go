// Package identity maps inbound credentials to a process identity and its
// admission budget.
package identity

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/model"
)

// ErrInvalidCredential is returned when no process matches the credential.
var ErrInvalidCredential = eris.New("identity: invalid credential")

// ErrProcessDisabled is returned when the matched process is deactivated.
var ErrProcessDisabled = eris.New("identity: process disabled")

// Process is one stored API consumer record as the resolver reads it.
type Process struct {
	ID                    string
	ProfileID             string
	APIKey                string
	Disabled              bool
	PermittedModels       []string
	RateLimit             model.RateLimit
	AllowPriorityOverride bool
}

// ProcessStore is the external process/profile lookup this package depends
// on. Implementations are read-only from the resolver's point of view.
type ProcessStore interface {
	LookupByKey(ctx context.Context, apiKey string) (*Process, error)
	LookupByID(ctx context.Context, processID string) (*Process, error)
}

// Resolver turns an opaque credential into an IdentityContext.
type Resolver struct {
	store ProcessStore
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(store ProcessStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up the credential and builds the request's identity.
// The credential may carry a "Bearer " prefix, which is stripped.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*model.IdentityContext, error) {
	key := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if key == "" {
		return nil, ErrInvalidCredential
	}

	proc, err := r.store.LookupByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, ErrInvalidCredential
	}
	if proc.Disabled {
		return nil, ErrProcessDisabled
	}

	return identityFor(proc), nil
}

// ResolveProcess rebuilds the identity for a known process ID. Used when
// replaying persisted jobs, whose credential was already verified at
// submission.
func (r *Resolver) ResolveProcess(ctx context.Context, processID string) (*model.IdentityContext, error) {
	proc, err := r.store.LookupByID(ctx, processID)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, ErrInvalidCredential
	}
	if proc.Disabled {
		return nil, ErrProcessDisabled
	}
	return identityFor(proc), nil
}

func identityFor(proc *Process) *model.IdentityContext {
	return &model.IdentityContext{
		ProcessID:             proc.ID,
		ProfileID:             proc.ProfileID,
		PermittedModelIDs:     model.NewModelSet(proc.PermittedModels...),
		RateLimit:             proc.RateLimit,
		AllowPriorityOverride: proc.AllowPriorityOverride,
	}
}

// ConfigStore is a ProcessStore backed by the static process list in the
// application config.
type ConfigStore struct {
	byKey map[string]*Process
	byID  map[string]*Process
}

// NewConfigStore builds a ConfigStore from configured processes. Processes
// without their own budget inherit the admission defaults.
func NewConfigStore(processes []config.ProcessConfig, defaults config.AdmissionConfig) *ConfigStore {
	byKey := make(map[string]*Process, len(processes))
	byID := make(map[string]*Process, len(processes))
	for _, pc := range processes {
		rl := model.RateLimit{
			RequestsPerMinute: pc.RequestsPerMinute,
			TokensPerMinute:   pc.TokensPerMinute,
		}
		if rl.RequestsPerMinute <= 0 {
			rl.RequestsPerMinute = defaults.DefaultRequestsPerMinute
		}
		if rl.TokensPerMinute <= 0 {
			rl.TokensPerMinute = defaults.DefaultTokensPerMinute
		}
		proc := &Process{
			ID:                    pc.ID,
			ProfileID:             pc.ProfileID,
			APIKey:                pc.APIKey,
			Disabled:              pc.Disabled,
			PermittedModels:       pc.PermittedModels,
			RateLimit:             rl,
			AllowPriorityOverride: pc.AllowPriorityOverride,
		}
		byKey[pc.APIKey] = proc
		byID[pc.ID] = proc
	}
	return &ConfigStore{byKey: byKey, byID: byID}
}

// LookupByKey returns the process for the given API key, or nil when absent.
func (s *ConfigStore) LookupByKey(_ context.Context, apiKey string) (*Process, error) {
	return s.byKey[apiKey], nil
}

// LookupByID returns the process for the given process ID, or nil when absent.
func (s *ConfigStore) LookupByID(_ context.Context, processID string) (*Process, error) {
	return s.byID[processID], nil
}
