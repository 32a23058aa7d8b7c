package xfer

import (
	"fmt"
	"strconv"

	"artifactsync/store"
	"artifactsync/wire"
)

// ErrHashMismatch is the wire-visible integrity failure: a single-bit
// mutation in the payload must produce a session error and must never be
// inserted into the store.
var ErrHashMismatch = fmt.Errorf("wrong hash on received artifact")

// CrosslinkHook is the post-store "crosslink"/manifest-indexer hook:
// invoked for every newly-complete
// (non-dangling) artifact, bracketed by a begin/end pair so a real
// indexer can batch work across a cycle.
type CrosslinkHook interface {
	Begin()
	Index(name store.Name, content []byte)
	End()
}

type noopCrosslink struct{}

func (noopCrosslink) Begin()                       {}
func (noopCrosslink) Index(_ store.Name, _ []byte) {}
func (noopCrosslink) End()                         {}

// Receiver implements component E: dispatch of inbound cards into Store
// mutations and Sender replies.
type Receiver struct {
	Sess      *Session
	Sender    *Sender
	Crosslink CrosslinkHook

	// NewPhantoms counts phantoms discovered this cycle, feeding the
	// client driver's continuation predicate.
	NewPhantoms int

	// NewPhantomNames is NewPhantoms' backing detail: the server
	// handler uses it to request content for artifacts a pushing
	// client just announced via `have`, via a `gimme` card in the
	// reply.
	NewPhantomNames []store.Name
}

// NewReceiver builds a Receiver bound to sess and sd (used to answer
// gimme/need cards via send-file).
func NewReceiver(sess *Session, sd *Sender) *Receiver {
	return &Receiver{Sess: sess, Sender: sd, Crosslink: noopCrosslink{}}
}

// HandleFile handles a `file`/`cfile` card: extract
// the payload, resolve or apply a delta against DELTASRC, verify the
// hash, insert, and mark peer-have.
func (r *Receiver) HandleFile(c wire.Card) error {
	hash := store.Name(c.Token(0))
	var deltaSrc string
	var sizeTok string
	if len(c.Tokens) == 3 {
		deltaSrc = c.Token(1)
		sizeTok = c.Token(2)
	} else {
		sizeTok = c.Token(1)
	}
	size, err := strconv.Atoi(sizeTok)
	if err != nil || size != len(c.Payload) {
		return fmt.Errorf("wire: %s card size token %q does not match payload length %d", c.Keyword, sizeTok, len(c.Payload))
	}

	priv := r.Sess.ConsumePendingPrivate()

	var content []byte
	var srcID uint64

	if deltaSrc != "" {
		srcID, err = r.Sess.Store.Resolve(store.Name(deltaSrc), true)
		if err != nil {
			return err
		}
		stillPhantom, err := r.isPhantom(srcID)
		if err != nil {
			return err
		}
		if stillPhantom {
			// Dangling delta: store the patch alongside the name; it is
			// materialized once the basis arrives.
			if _, err := r.Sess.Store.Put(c.Payload, hash, srcID, priv); err != nil {
				return err
			}
			r.Sess.DeltasRecv++
			r.Sess.markHave(hash)
			return nil
		}
		basis, err := r.Sess.Store.Get(srcID)
		if err != nil {
			return err
		}
		content, err = store.DeltaApply(basis, c.Payload)
		if err != nil {
			return err
		}
		r.Sess.DeltasRecv++
	} else {
		content = c.Payload
	}

	if !store.Verify(hash, content) {
		r.Sess.RecordError(fmt.Sprintf("wrong hash on received artifact: %s", hash))
		return ErrHashMismatch
	}

	id, err := r.Sess.Store.Put(content, hash, 0, priv)
	if err != nil {
		return err
	}
	if !priv {
		_ = r.Sess.Store.MakePublic(id)
	}
	r.Crosslink.Begin()
	r.Crosslink.Index(hash, content)
	r.Crosslink.End()

	r.Sess.FilesRecv++
	r.Sess.markHave(hash)
	r.Sess.ArtifactsThisCycle++
	return nil
}

func (r *Receiver) isPhantom(id uint64) (bool, error) {
	// A phantom has never had Put called for it; MemStore exposes this
	// indirectly via Get returning ErrNotFound for a phantom with no
	// dangling-delta content recorded yet.
	if _, err := r.Sess.Store.Get(id); err != nil {
		return true, nil
	}
	return false, nil
}

// HandleHave implements the server-side reception of `have` from a
// pushing client: resolve or create a phantom so a later cycle can
// request it, and mark it in peer-have.
func (r *Receiver) HandleHave(c wire.Card) error {
	name := store.Name(c.Token(0))
	existingID, err := r.Sess.Store.Resolve(name, false)
	if err != nil {
		return err
	}
	id := existingID
	if id == 0 {
		id, err = r.Sess.Store.Resolve(name, true)
		if err != nil {
			return err
		}
		r.NewPhantoms++
		r.NewPhantomNames = append(r.NewPhantomNames, name)
	}
	if c.Token(1) == "1" {
		_ = r.Sess.Store.MakePrivate(id)
	}
	r.Sess.markHave(name)
	return nil
}

// HandleIgot implements the client-side reception of `igot` from the
// server: if we lack the artifact, create a phantom (queued for a
// future `gimme`); if we have it, harmonize its private bit with PRIV.
func (r *Receiver) HandleIgot(c wire.Card) error {
	name := store.Name(c.Token(0))
	id, err := r.Sess.Store.Resolve(name, false)
	if err != nil {
		return err
	}
	if id == 0 {
		if _, err := r.Sess.Store.NewPhantom(name, c.Token(1) == "1"); err != nil {
			return err
		}
		r.NewPhantoms++
		r.NewPhantomNames = append(r.NewPhantomNames, name)
		r.Sess.markNeed(name)
		return nil
	}
	if c.Token(1) == "1" {
		return r.Sess.Store.MakePrivate(id)
	}
	return r.Sess.Store.MakePublic(id)
}

// HandleGimmeNeed handles `gimme`/`need` reception:
// if the requester is authorized to read the content, look up the
// artifact and hand it to the send engine.
func (r *Receiver) HandleGimmeNeed(c wire.Card, authorized bool, useDelta bool) error {
	name := store.Name(c.Token(0))
	if !authorized {
		return nil
	}
	id, err := r.Sess.Store.Resolve(name, false)
	if err != nil || id == 0 {
		return nil
	}
	return r.Sender.SendFile(id, name, useDelta)
}

// HandleCloneSeqno implements the client-only `clone_seqno N` card:
// update the cursor, and report whether a further `clone` round is
// warranted (N > 0).
func (r *Receiver) HandleCloneSeqno(c wire.Card) (continueClone bool, err error) {
	n, err := strconv.ParseUint(c.Token(0), 10, 64)
	if err != nil {
		return false, fmt.Errorf("wire: malformed clone_seqno token %q", c.Token(0))
	}
	r.Sess.Resync = n
	return n > 0, nil
}
