package server

import (
	"strings"
	"testing"

	"artifactsync/store"
	"artifactsync/wire"
)

func newTestHandler(t *testing.T, grant ...store.Capability) (*Handler, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	caps := store.NewCapabilities()
	for _, c := range grant {
		caps.GrantAnonymous(c)
	}
	return NewHandler(st, caps, "S", "P"), st
}

func cardsOf(t *testing.T, body []byte) []wire.Card {
	t.Helper()
	oc, err := wire.DecodeWithOffsets(body)
	if err != nil {
		t.Fatalf("DecodeWithOffsets: %v", err)
	}
	out := make([]wire.Card, len(oc))
	for i, c := range oc {
		out[i] = c.Card
	}
	return out
}

func TestHandlePullUnauthorized(t *testing.T) {
	h, _ := newTestHandler(t)
	req := wire.Encode([]wire.Card{wire.NewCard(wire.KeywordPull, "S", "P")})

	reply, err := h.Handle(req, "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cards := cardsOf(t, reply)
	if len(cards) != 1 || cards[0].Keyword != wire.KeywordError {
		t.Fatalf("expected a single error card, got %+v", cards)
	}
}

func TestHandleCloneSeedsRoots(t *testing.T) {
	h, st := newTestHandler(t, store.CapClone)
	name := store.HashOneShot(store.AlgoSHA1, []byte("hello"))
	if _, err := st.Put([]byte("hello"), name, 0, false); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	req := wire.Encode([]wire.Card{wire.NewCard(wire.KeywordClone, "3", "1")})
	reply, err := h.Handle(req, "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	cards := cardsOf(t, reply)
	var sawHave, sawSeqno bool
	for _, c := range cards {
		switch c.Keyword {
		case wire.KeywordHave:
			if c.Token(0) == string(name) {
				sawHave = true
			}
		case wire.KeywordCloneSeqno:
			sawSeqno = true
		}
	}
	if !sawHave {
		t.Fatalf("expected a have card announcing %s, got %+v", name, cards)
	}
	if !sawSeqno {
		t.Fatalf("expected a clone_seqno card, got %+v", cards)
	}
}

func TestHandlePushHaveTriggersGimme(t *testing.T) {
	h, st := newTestHandler(t, store.CapWrite, store.CapRead)
	name := store.Name(strings.Repeat("ab", 20)) // 40 hex chars, a SHA-1-shaped name

	req := wire.Encode([]wire.Card{
		wire.NewCard(wire.KeywordPush, "S", "P"),
		wire.NewCard(wire.KeywordHave, string(name)),
	})
	reply, err := h.Handle(req, "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	cards := cardsOf(t, reply)
	var sawGimme bool
	for _, c := range cards {
		if c.Keyword == wire.KeywordGimme && c.Token(0) == string(name) {
			sawGimme = true
		}
	}
	if !sawGimme {
		t.Fatalf("expected a gimme card requesting %s, got %+v", name, cards)
	}

	if _, err := st.GetByName(name); err == nil {
		t.Fatalf("phantom should not already hold content")
	}
}

func TestHandleRemoteUserOKGrantsConfiguredCaps(t *testing.T) {
	h, _ := newTestHandler(t)
	h.RemoteUserOK = true
	h.Caps.Grant("alice", store.CapRead)

	req := wire.Encode([]wire.Card{wire.NewCard(wire.KeywordPull, "S", "P")})

	reply, err := h.Handle(req, "alice")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cards := cardsOf(t, reply)
	for _, c := range cards {
		if c.Keyword == wire.KeywordError {
			t.Fatalf("expected pull to succeed for a trusted remote user, got %+v", cards)
		}
	}
}

func TestHandlePullStillRejectsUntrustedRemoteUser(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Caps.Grant("alice", store.CapRead) // granted, but RemoteUserOK is off

	req := wire.Encode([]wire.Card{wire.NewCard(wire.KeywordPull, "S", "P")})
	reply, err := h.Handle(req, "alice")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cards := cardsOf(t, reply)
	if len(cards) != 1 || cards[0].Keyword != wire.KeywordError {
		t.Fatalf("expected rejection when RemoteUserOK is unset, got %+v", cards)
	}
}

func TestHandleParentProjectMismatchErrors(t *testing.T) {
	h, _ := newTestHandler(t, store.CapRead)
	h.ParentProjectCode = "ORIGIN"

	req := wire.Encode([]wire.Card{
		wire.NewCard(wire.KeywordPull, "S", "P"),
		wire.NewCard(wire.KeywordPragma, "parent-project-code", "SOMETHING-ELSE"),
	})
	reply, err := h.Handle(req, "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cards := cardsOf(t, reply)
	if len(cards) != 1 || cards[0].Keyword != wire.KeywordError {
		t.Fatalf("expected a lineage-mismatch error, got %+v", cards)
	}
}
