package xfer

import (
	"strconv"
	"testing"

	"artifactsync/store"
	"artifactsync/wire"
)

func TestHandleFileInsertsVerifiedContent(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))

	content := []byte("hello")
	name := store.HashOneShot(store.AlgoSHA1, content)
	card := wire.NewPayloadCard(wire.KeywordFile, []string{string(name), strconv.Itoa(len(content))}, content)

	if err := r.HandleFile(card); err != nil {
		t.Fatalf("HandleFile: %v", err)
	}
	got, err := s.GetByName(name)
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestHandleFileRejectsHashMismatch(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))

	content := []byte("hello")
	badName := store.HashOneShot(store.AlgoSHA1, []byte("other content entirely"))
	card := wire.NewPayloadCard(wire.KeywordFile, []string{string(badName), strconv.Itoa(len(content))}, content)

	err := r.HandleFile(card)
	if err != ErrHashMismatch {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	if _, err := s.GetByName(badName); err == nil {
		t.Fatalf("corrupted content must not be inserted")
	}
	if len(sess.Errors) != 1 {
		t.Fatalf("expected one recorded session error, got %d", len(sess.Errors))
	}
}

func TestHandleFilePrivateConsumesPendingModifier(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))
	sess.SetPendingPrivate()

	content := []byte("secret")
	name := store.HashOneShot(store.AlgoSHA1, content)
	card := wire.NewPayloadCard(wire.KeywordFile, []string{string(name), strconv.Itoa(len(content))}, content)
	if err := r.HandleFile(card); err != nil {
		t.Fatalf("HandleFile: %v", err)
	}

	id, _ := s.Resolve(name, false)
	priv, err := s.IsPrivate(id)
	if err != nil || !priv {
		t.Fatalf("expected artifact marked private, priv=%v err=%v", priv, err)
	}
	if sess.ConsumePendingPrivate() {
		t.Fatalf("pending-private should already be consumed")
	}
}

func TestHandleHaveCreatesPhantom(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))

	name := store.Name("deadbeef00000000000000000000000000000000")
	if err := r.HandleHave(wire.NewCard(wire.KeywordHave, string(name))); err != nil {
		t.Fatalf("HandleHave: %v", err)
	}
	if r.NewPhantoms != 1 {
		t.Fatalf("expected 1 new phantom, got %d", r.NewPhantoms)
	}
	id, err := s.Resolve(name, false)
	if err != nil || id == 0 {
		t.Fatalf("expected phantom to resolve, id=%d err=%v", id, err)
	}

	// A second `have` for the same name must not count as newly
	// discovered.
	if err := r.HandleHave(wire.NewCard(wire.KeywordHave, string(name))); err != nil {
		t.Fatalf("HandleHave (2nd): %v", err)
	}
	if r.NewPhantoms != 1 {
		t.Fatalf("expected NewPhantoms to stay at 1, got %d", r.NewPhantoms)
	}
}

func TestHandleIgotCreatesPhantomForMissingArtifact(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))

	name := store.Name("beefdead00000000000000000000000000000000")
	if err := r.HandleIgot(wire.NewCard(wire.KeywordIgot, string(name))); err != nil {
		t.Fatalf("HandleIgot: %v", err)
	}
	if r.NewPhantoms != 1 {
		t.Fatalf("expected 1 new phantom, got %d", r.NewPhantoms)
	}
	if _, ok := sess.PeerNeed[name]; !ok {
		t.Fatalf("expected name queued in peer-need")
	}
}

func TestHandleGimmeNeedRequiresAuthorization(t *testing.T) {
	s := store.NewMemStore()
	content := []byte("x")
	name := store.HashOneShot(store.AlgoSHA1, content)
	id, _ := s.Put(content, name, 0, false)
	_ = id

	sess := NewSession(s)
	sd := NewSender(sess)
	r := NewReceiver(sess, sd)

	if err := r.HandleGimmeNeed(wire.NewCard(wire.KeywordGimme, string(name)), false, false); err != nil {
		t.Fatalf("HandleGimmeNeed: %v", err)
	}
	if len(sd.Out) != 0 {
		t.Fatalf("unauthorized gimme must produce no output")
	}

	if err := r.HandleGimmeNeed(wire.NewCard(wire.KeywordGimme, string(name)), true, false); err != nil {
		t.Fatalf("HandleGimmeNeed: %v", err)
	}
	if len(sd.Out) != 1 || sd.Out[0].Keyword != wire.KeywordFile {
		t.Fatalf("expected a file card for an authorized gimme, got %+v", sd.Out)
	}
}

func TestHandleCloneSeqno(t *testing.T) {
	s := store.NewMemStore()
	sess := NewSession(s)
	r := NewReceiver(sess, NewSender(sess))

	cont, err := r.HandleCloneSeqno(wire.NewCard(wire.KeywordCloneSeqno, "5"))
	if err != nil {
		t.Fatalf("HandleCloneSeqno: %v", err)
	}
	if !cont || sess.Resync != 5 {
		t.Fatalf("expected continue=true, resync=5; got continue=%v resync=%d", cont, sess.Resync)
	}

	cont, err = r.HandleCloneSeqno(wire.NewCard(wire.KeywordCloneSeqno, "0"))
	if err != nil {
		t.Fatalf("HandleCloneSeqno: %v", err)
	}
	if cont {
		t.Fatalf("clone_seqno 0 should signal completion")
	}
}
