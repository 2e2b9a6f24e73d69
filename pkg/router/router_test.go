package router

import (
	"context"
	"errors"
	"testing"

	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/store"
)

type fakeGroups struct {
	groups      map[string]models.ModelGroup
	assignments map[string][]string
}

func (f *fakeGroups) ModelGroup(_ context.Context, name string) (*models.ModelGroup, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (f *fakeGroups) TeamHasModelGroup(_ context.Context, teamID, group string) (bool, error) {
	for _, g := range f.assignments[teamID] {
		if g == group {
			return true, nil
		}
	}
	return false, nil
}

func newFake() *fakeGroups {
	return &fakeGroups{
		groups: map[string]models.ModelGroup{
			"Fast": {Name: "Fast", Active: true, Members: []models.ModelGroupMember{
				{Seq: 3, Provider: "anthropic", Model: "claude-haiku-4-5", Priority: 2, Active: true},
				{Seq: 1, Provider: "openai", Model: "gpt-4o-mini", Priority: 1, Active: true},
				{Seq: 2, Provider: "groq", Model: "llama-3.1-8b", Priority: 1, Active: true},
				{Seq: 4, Provider: "openai", Model: "gpt-4o-mini", Priority: 3, Active: true},
				{Seq: 5, Provider: "openai", Model: "gpt-3.5-turbo", Priority: 0, Active: false},
			}},
			"Retired": {Name: "Retired", Active: false, Members: []models.ModelGroupMember{
				{Seq: 1, Provider: "openai", Model: "gpt-4", Priority: 1, Active: true},
			}},
			"Unknown": {Name: "Unknown", Active: true, Members: []models.ModelGroupMember{
				{Seq: 1, Provider: "mistral", Model: "mistral-small", Priority: 1, Active: true},
			}},
		},
		assignments: map[string][]string{
			"team-a": {"Fast", "Retired", "Unknown"},
		},
	}
}

func TestResolveOrdering(t *testing.T) {
	r := New(newFake(), []string{"openai", "anthropic", "groq"})
	candidates, err := r.Resolve(context.Background(), "team-a", "Fast")
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Candidate{
		{Provider: "openai", Model: "gpt-4o-mini", Priority: 1},
		{Provider: "groq", Model: "llama-3.1-8b", Priority: 1},
		{Provider: "anthropic", Model: "claude-haiku-4-5", Priority: 2},
	}
	if len(candidates) != len(want) {
		t.Fatalf("expected %d candidates, got %d: %+v", len(want), len(candidates), candidates)
	}
	for i := range want {
		if candidates[i] != want[i] {
			t.Errorf("candidate %d: expected %+v, got %+v", i, want[i], candidates[i])
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := New(newFake(), []string{"openai", "anthropic", "groq"})
	first, err := r.Resolve(context.Background(), "team-a", "Fast")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := r.Resolve(context.Background(), "team-a", "Fast")
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("resolution %d differs at %d: %+v vs %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestResolveSkipsUnknownProviders(t *testing.T) {
	r := New(newFake(), []string{"openai"})
	candidates, err := r.Resolve(context.Background(), "team-a", "Fast")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].Provider != "openai" {
		t.Errorf("unexpected candidates: %+v", candidates)
	}

	_, err = r.Resolve(context.Background(), "team-a", "Unknown")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound for group with no usable providers, got %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	r := New(newFake(), []string{"openai", "anthropic", "groq"})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "team-a", "Missing"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
	if _, err := r.Resolve(ctx, "team-a", "Retired"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound for inactive group, got %v", err)
	}
	if _, err := r.Resolve(ctx, "team-b", "Fast"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}
