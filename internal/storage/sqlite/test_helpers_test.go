package sqlite

import (
	"context"
	"testing"

	"github.com/jclem/work/internal/types"
)

// newTestStore opens a store on a temp-file database. File-backed
// databases behave like production with the connection pool; a shared
// in-memory database would not.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

// newTestProject registers a project for staging tests.
func newTestProject(t *testing.T, s *Store, name string) *types.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), name, t.TempDir())
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}
