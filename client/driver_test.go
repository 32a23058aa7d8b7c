package client

import (
	"context"
	"testing"

	"artifactsync/server"
	"artifactsync/store"
)

// inProcessServer adapts a *server.Handler to the Exchanger interface so
// driver tests can run both sides of a cycle without a real transport.
type inProcessServer struct {
	h *server.Handler
}

func (s *inProcessServer) Exchange(_ context.Context, out []byte) ([]byte, error) {
	return s.h.Handle(out, "")
}

func newServerStore(t *testing.T, artifacts ...string) store.Store {
	t.Helper()
	st := store.NewMemStore()
	for _, content := range artifacts {
		name := store.HashOneShot(store.AlgoSHA1, []byte(content))
		if _, err := st.Put([]byte(content), name, 0, false); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
	}
	return st
}

func TestDriverEmptyClone(t *testing.T) {
	srv := newServerStore(t, "hello", "world")
	caps := store.NewCapabilities()
	caps.GrantAnonymous(store.CapClone)
	h := server.NewHandler(srv, caps, "S", "P")

	clientStore := store.NewMemStore()
	d := NewDriver(clientStore, &inProcessServer{h: h})
	d.Mode = ModeClone
	d.ServerCode, d.ProjectCode = "S", "P"
	d.MaxCycles = 5

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, content := range []string{"hello", "world"} {
		name := store.HashOneShot(store.AlgoSHA1, []byte(content))
		got, err := clientStore.GetByName(name)
		if err != nil {
			t.Fatalf("GetByName(%s): %v", content, err)
		}
		if string(got) != content {
			t.Fatalf("got %q, want %q", got, content)
		}
	}
}

func TestDriverIdempotentSecondSync(t *testing.T) {
	srv := newServerStore(t, "hello")
	caps := store.NewCapabilities()
	caps.GrantAnonymous(store.CapClone)
	caps.GrantAnonymous(store.CapRead)
	h := server.NewHandler(srv, caps, "S", "P")

	clientStore := store.NewMemStore()
	d := NewDriver(clientStore, &inProcessServer{h: h})
	d.Mode = ModeClone
	d.ServerCode, d.ProjectCode = "S", "P"
	d.MaxCycles = 5
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	d2 := NewDriver(clientStore, &inProcessServer{h: h})
	d2.Mode = ModePull
	d2.ServerCode, d2.ProjectCode = "S", "P"
	d2.MaxCycles = 3
	if _, err := d2.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if d2.cycle != 1 {
		t.Fatalf("idempotent second sync should stop after 1 cycle, ran %d", d2.cycle)
	}
}

func TestDriverPushConflict(t *testing.T) {
	srvStore := store.NewMemStore()
	caps := store.NewCapabilities()
	caps.GrantAnonymous(store.CapWrite)
	caps.GrantAnonymous(store.CapRead)
	h := server.NewHandler(srvStore, caps, "S", "P")

	clientStore := store.NewMemStore()
	name := store.HashOneShot(store.AlgoSHA1, []byte("world"))
	if _, err := clientStore.Put([]byte("world"), name, 0, false); err != nil {
		t.Fatalf("seed client Put: %v", err)
	}

	d := NewDriver(clientStore, &inProcessServer{h: h})
	d.Mode = ModePush
	d.ServerCode, d.ProjectCode = "S", "P"
	d.MaxCycles = 4
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := srvStore.GetByName(name)
	if err != nil {
		t.Fatalf("server should hold pushed artifact: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("got %q, want world", got)
	}
}

// TestDriverPushIdempotent asserts that a push which has already
// converged does not keep resending the same artifact's content cycle
// after cycle: once the server has it, filesSent stays at its
// first-cycle value regardless of how many more cycles the driver runs.
func TestDriverPushIdempotent(t *testing.T) {
	srvStore := store.NewMemStore()
	caps := store.NewCapabilities()
	caps.GrantAnonymous(store.CapWrite)
	caps.GrantAnonymous(store.CapRead)
	h := server.NewHandler(srvStore, caps, "S", "P")

	clientStore := store.NewMemStore()
	name := store.HashOneShot(store.AlgoSHA1, []byte("world"))
	if _, err := clientStore.Put([]byte("world"), name, 0, false); err != nil {
		t.Fatalf("seed client Put: %v", err)
	}

	d := NewDriver(clientStore, &inProcessServer{h: h})
	d.Mode = ModePush
	d.ServerCode, d.ProjectCode = "S", "P"
	d.MaxCycles = 6
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.sess.FilesSent != 1 {
		t.Fatalf("expected exactly one file sent across the whole push, got %d", d.sess.FilesSent)
	}
}

// TestDriverDontPushAnnouncesWithoutContent asserts DontPush's
// announce-then-wait behavior: cycle 1 must not include the root's
// content (only a `have` card), and the artifact must still converge
// onto the server once the resulting `gimme` round trip asks for it on
// a later cycle.
func TestDriverDontPushAnnouncesWithoutContent(t *testing.T) {
	srvStore := store.NewMemStore()
	caps := store.NewCapabilities()
	caps.GrantAnonymous(store.CapWrite)
	caps.GrantAnonymous(store.CapRead)
	h := server.NewHandler(srvStore, caps, "S", "P")

	clientStore := store.NewMemStore()
	name := store.HashOneShot(store.AlgoSHA1, []byte("world"))
	if _, err := clientStore.Put([]byte("world"), name, 0, false); err != nil {
		t.Fatalf("seed client Put: %v", err)
	}

	d := NewDriver(clientStore, &inProcessServer{h: h})
	d.Mode = ModePush
	d.DontPush = true
	d.ServerCode, d.ProjectCode = "S", "P"
	d.MaxCycles = 4
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Cycle 1 only announced the name; the server had to gimme it back
	// before the client served the actual bytes.
	if d.sess.FilesSent != 1 {
		t.Fatalf("expected exactly one file sent (in answer to the server's gimme), got %d", d.sess.FilesSent)
	}

	got, err := srvStore.GetByName(name)
	if err != nil {
		t.Fatalf("server should hold the artifact once it asked for it via gimme: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("got %q, want world", got)
	}
}
