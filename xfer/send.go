package xfer

import (
	"sort"
	"strconv"
	"time"

	"artifactsync/store"
	"artifactsync/wire"
)

// Sender implements component D: the three send-entry-points and the
// shared per-artifact outbound procedure.
type Sender struct {
	Sess *Session
	Out  []wire.Card
	Now  func() time.Time

	sentBytes int64
}

// NewSender builds a Sender over sess, accumulating outbound cards into
// Out until the caller flushes them into a reply message.
func NewSender(sess *Session) *Sender {
	return &Sender{Sess: sess, Now: time.Now}
}

func (sd *Sender) emit(c wire.Card) {
	sd.Out = append(sd.Out, c)
	sd.sentBytes += int64(len(wire.Encode([]wire.Card{c})) + len(c.Payload))
	sd.Sess.CardsSent++
}

func (sd *Sender) overBudget() bool {
	now := sd.Now()
	return sd.Sess.PastDeadline(now) || sd.Sess.OverBudget(sd.sentBytes)
}

// peerSupportsPrivacyTeaser approximates a "recent enough" check on the
// peer's negotiated version: any peer that completed version
// negotiation (PeerVersion set) is treated as recent enough to receive
// a privacy-aware teaser have-card for artifacts it is not syncing.
func (sd *Sender) peerSupportsPrivacyTeaser() bool {
	return sd.Sess.PeerVersion != ""
}

// SendRoots walks the local root id set — or, when Resync>0, every id
// at most Resync in descending order — emitting `have` gossip cards
// until the outbound byte cap is hit.
func (sd *Sender) SendRoots() error {
	if sd.Sess.Resync > 0 {
		return sd.sendResyncSweep()
	}
	ids, err := sd.Sess.Store.EnumerateRoots()
	if err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if sd.overBudget() {
			break
		}
		name, err := sd.Sess.Store.NameOf(id)
		if err != nil {
			continue
		}
		if err := sd.gossipHave(id, name); err != nil {
			return err
		}
	}
	return nil
}

func (sd *Sender) sendResyncSweep() error {
	ids, err := sd.Sess.Store.AllIDsDescending()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > sd.Sess.Resync {
			continue
		}
		if sd.overBudget() {
			return nil
		}
		name, err := sd.Sess.Store.NameOf(id)
		if err != nil {
			continue
		}
		if err := sd.gossipHave(id, name); err != nil {
			return err
		}
		if id == 0 {
			sd.Sess.Resync = 0
		} else {
			sd.Sess.Resync = id - 1
		}
	}
	if len(ids) == 0 || sd.Sess.Resync < 0 {
		sd.Sess.Resync = 0
	}
	return nil
}

// gossipHave applies the skip/privacy/shunned/legacy checks from
// the skip/privacy/shunned/legacy checks and, if none apply, emits a
// `have` card.
func (sd *Sender) gossipHave(id uint64, name store.Name) error {
	priv, err := sd.Sess.Store.IsPrivate(id)
	if err != nil {
		return err
	}
	if priv && !sd.Sess.SyncPrivate {
		if sd.peerSupportsPrivacyTeaser() {
			sd.emit(wire.NewCard(wire.KeywordHave, string(name), "1"))
			sd.Sess.markHave(name)
		}
		return nil
	}
	if sd.Sess.hasPeerHave(name) {
		return nil
	}
	shunned, err := sd.Sess.Store.IsShunned(name)
	if err != nil {
		return err
	}
	if shunned {
		return nil
	}
	if sd.Sess.OldPeer {
		if algo, ok := store.AlgoForLength(len(name)); ok && algo == store.AlgoSHA3_256 {
			sd.emit(wire.NewCard(wire.KeywordError, "unsupported hash algorithm: "+string(name)))
			return nil
		}
	}
	sd.emit(wire.NewCard(wire.KeywordHave, string(name)))
	sd.Sess.markHave(name)
	return nil
}

// SendPrivate emits `igot H 1` for every private artifact, but only
// when the session is configured to sync private content.
func (sd *Sender) SendPrivate() error {
	if !sd.Sess.SyncPrivate {
		return nil
	}
	names, err := sd.Sess.Store.EnumerateAll()
	if err != nil {
		return err
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, name := range names {
		if sd.overBudget() {
			break
		}
		id, err := sd.Sess.Store.Resolve(name, false)
		if err != nil || id == 0 {
			continue
		}
		priv, err := sd.Sess.Store.IsPrivate(id)
		if err != nil || !priv {
			continue
		}
		sd.emit(wire.NewCard(wire.KeywordIgot, string(name), "1"))
		sd.Sess.markHave(name)
		sd.Sess.IgotsSent++
	}
	return nil
}

// Emit appends card to the outbound message, for server/client callers
// that need to interleave their own protocol cards (push acks,
// messages, errors) with the send engine's own output in a single
// ordered reply.
func (sd *Sender) Emit(c wire.Card) { sd.emit(c) }

// SeedAll emits a `have` card for every root this side holds (the
// Store's root set; in MemStore, every present non-private artifact),
// regardless of peer-have (a fresh clone's peer has nothing), honoring
// back-pressure. Used by the server handler's clone-seed reply.
func (sd *Sender) SeedAll() error {
	ids, err := sd.Sess.Store.EnumerateRoots()
	if err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if sd.overBudget() {
			break
		}
		name, err := sd.Sess.Store.NameOf(id)
		if err != nil {
			continue
		}
		sd.emit(wire.NewCard(wire.KeywordHave, string(name)))
		sd.Sess.markHave(name)
	}
	return nil
}

const parentDeltaMinSize = 100

// SendFile is the send-file entry point: it decides,
// per artifact, whether to send raw, native delta, or parent-heuristic
// delta, honoring back-pressure and the private-card ordering
// invariant.
func (sd *Sender) SendFile(id uint64, expectedName store.Name, useDelta bool) error {
	name := expectedName
	if name == "" {
		n, err := sd.Sess.Store.NameOf(id)
		if err != nil {
			return err
		}
		name = n
	}

	priv, err := sd.Sess.Store.IsPrivate(id)
	if err != nil {
		return err
	}
	if priv && !sd.Sess.SyncPrivate {
		if sd.peerSupportsPrivacyTeaser() {
			sd.emit(wire.NewCard(wire.KeywordHave, string(name), "1"))
			sd.Sess.markHave(name)
		}
		return nil
	}
	if sd.Sess.hasPeerHave(name) {
		return nil
	}
	shunned, err := sd.Sess.Store.IsShunned(name)
	if err != nil {
		return err
	}
	if shunned {
		return nil
	}
	if sd.Sess.OldPeer {
		if algo, ok := store.AlgoForLength(len(name)); ok && algo == store.AlgoSHA3_256 {
			sd.emit(wire.NewCard(wire.KeywordError, "unsupported hash algorithm: "+string(name)))
			return nil
		}
	}

	if sd.overBudget() {
		sd.emit(wire.NewCard(wire.KeywordHave, string(name)))
		sd.Sess.markHave(name)
		return nil
	}

	content, err := sd.Sess.Store.Get(id)
	if err != nil {
		return err
	}

	if priv {
		sd.emit(wire.Card{Keyword: wire.KeywordPrivate})
	}

	if useDelta {
		if sent := sd.tryNativeDelta(id, name, content, priv); sent {
			sd.Sess.markHave(name)
			return nil
		}
		if sent := sd.tryParentDelta(name, content); sent {
			sd.Sess.markHave(name)
			return nil
		}
	}

	sd.emit(wire.NewPayloadCard(wire.KeywordFile, []string{string(name), strconv.Itoa(len(content))}, content))
	sd.Sess.FilesSent++
	sd.Sess.markHave(name)
	return nil
}

// tryNativeDelta emits a file card against the artifact's recorded
// delta source when that source is known to the peer (already in
// peer-have, or itself queued for send this cycle).
func (sd *Sender) tryNativeDelta(id uint64, name store.Name, content []byte, priv bool) bool {
	entry, ok := sd.nativeSource(id)
	if !ok {
		return false
	}
	if !sd.Sess.hasPeerHave(entry) {
		return false
	}
	basis, err := sd.Sess.Store.GetByName(entry)
	if err != nil {
		return false
	}
	patch := store.DeltaEncode(basis, content)
	if len(patch) >= len(content) {
		return false
	}
	sd.emit(wire.NewPayloadCard(wire.KeywordFile, []string{string(name), string(entry), strconv.Itoa(len(patch))}, patch))
	sd.Sess.FilesSent++
	sd.Sess.DeltasSent++
	return true
}

// nativeSource looks up the delta source the Store recorded for id, if
// any (the teacher's Entry.DeltaSrc field populated by a prior
// PutDelta, modelling "the artifact is natively stored as a delta
// against some parent").
func (sd *Sender) nativeSource(id uint64) (store.Name, bool) {
	type deltaSourced interface {
		DeltaSourceOf(id uint64) (store.Name, bool)
	}
	if ds, ok := sd.Sess.Store.(deltaSourced); ok {
		return ds.DeltaSourceOf(id)
	}
	return "", false
}

// tryParentDelta computes a delta against a related artifact when the
// raw body exceeds the 100-byte threshold: a parent delta is only used
// when it is shorter than raw, and native delta is always preferred over
// a parent-heuristic delta.
func (sd *Sender) tryParentDelta(name store.Name, content []byte) bool {
	if len(content) <= parentDeltaMinSize {
		return false
	}
	parent, basis, ok := sd.findRelatedArtifact(name)
	if !ok {
		return false
	}
	patch := store.DeltaEncode(basis, content)
	if len(patch) >= len(content) {
		return false
	}
	sd.emit(wire.NewPayloadCard(wire.KeywordFile, []string{string(name), string(parent), strconv.Itoa(len(patch))}, patch))
	sd.Sess.FilesSent++
	sd.Sess.DeltasSent++
	return true
}

// findRelatedArtifact looks for another artifact already announced to
// the peer this cycle to use as a parent-heuristic delta basis. The
// reference implementation has no logical-parent graph, so it simply
// offers the first peer-have'd name (in map iteration order, so not a
// defined one) whose content is held locally.
func (sd *Sender) findRelatedArtifact(self store.Name) (store.Name, []byte, bool) {
	for n := range sd.Sess.PeerHave {
		if n == self {
			continue
		}
		if b, err := sd.Sess.Store.GetByName(n); err == nil {
			return n, b, true
		}
	}
	return "", nil, false
}
