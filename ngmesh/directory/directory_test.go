package directory

import (
	"context"
	"testing"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

func newDirectory(t *testing.T, domain string) Directory {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return Directory{
		Domain:      domain,
		BaseServers: []string{"base.example:5582"},
		WebsetupID:  id.ID,
	}
}

func TestStaticResolve(t *testing.T) {
	d := newDirectory(t, "app.example")
	s := NewStatic(d)

	got, err := s.Resolve(context.Background(), "app.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.WebsetupID != d.WebsetupID || got.BaseServers[0] != d.BaseServers[0] {
		t.Fatalf("unexpected directory %+v", got)
	}

	got.BaseServers[0] = "mutated"
	again, _ := s.Resolve(context.Background(), "app.example")
	if again.BaseServers[0] != "base.example:5582" {
		t.Fatalf("resolver returned shared slice")
	}

	if _, err := s.Resolve(context.Background(), "other.example"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Announce(Directory{Domain: "empty"}); err != ErrNoBase {
		t.Fatalf("expected ErrNoBase, got %v", err)
	}
}

func TestCachedFallsBackToLastResult(t *testing.T) {
	d := newDirectory(t, "app.example")
	static := NewStatic(d)
	store := config.NewMemoryStore()
	c := NewCached(static, store, nil)

	if _, err := c.Resolve(context.Background(), "app.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	offline := NewCached(NewStatic(), store, nil)
	got, err := offline.Resolve(context.Background(), "app.example")
	if err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if got.WebsetupID != d.WebsetupID {
		t.Fatalf("cached directory mismatch")
	}

	if _, err := offline.Resolve(context.Background(), "other.example"); err == nil {
		t.Fatalf("expected error for a domain never resolved")
	}
}
