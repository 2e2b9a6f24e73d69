package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/store"
)

var (
	// ErrGroupNotFound is returned when a model group does not exist, is
	// inactive, or has no usable members.
	ErrGroupNotFound = errors.New("model group not found")
	// ErrAccessDenied is returned when a team is not assigned a model group.
	ErrAccessDenied = errors.New("model group access denied")
)

// GroupSource reads model groups and team assignments.
type GroupSource interface {
	ModelGroup(ctx context.Context, name string) (*models.ModelGroup, error)
	TeamHasModelGroup(ctx context.Context, teamID, group string) (bool, error)
}

// Resolver turns a model group name into an ordered list of candidates.
type Resolver struct {
	groups    GroupSource
	providers map[string]bool
}

// New creates a Resolver. Only members whose provider is listed in
// providers are ever returned.
func New(groups GroupSource, providers []string) *Resolver {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p] = true
	}
	return &Resolver{groups: groups, providers: known}
}

// Resolve returns the candidates of group for teamID in fallback order:
// ascending priority, ties broken by insertion sequence. Inactive members,
// duplicate provider/model pairs and members with no configured provider
// are dropped.
func (r *Resolver) Resolve(ctx context.Context, teamID, group string) ([]models.Candidate, error) {
	g, err := r.groups.ModelGroup(ctx, group)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, group)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", group, err)
	}

	ok, err := r.groups.TeamHasModelGroup(ctx, teamID, group)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", group, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: team %s cannot use %q", ErrAccessDenied, teamID, group)
	}
	if !g.Active {
		return nil, fmt.Errorf("%w: %q is inactive", ErrGroupNotFound, group)
	}

	members := append([]models.ModelGroupMember(nil), g.Members...)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Priority != members[j].Priority {
			return members[i].Priority < members[j].Priority
		}
		return members[i].Seq < members[j].Seq
	})

	type key struct{ provider, model string }
	seen := make(map[key]bool, len(members))
	var candidates []models.Candidate
	for _, m := range members {
		k := key{m.Provider, m.Model}
		if !m.Active || seen[k] || !r.providers[m.Provider] {
			continue // skip inactive, duplicate and unknown-provider members
		}
		seen[k] = true
		candidates = append(candidates, models.Candidate{Provider: m.Provider, Model: m.Model, Priority: m.Priority})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q has no usable models", ErrGroupNotFound, group)
	}
	return candidates, nil
}
