// Package xfer implements the artifact-exchange core: the ephemeral
// per-cycle index (component B), authentication (component C), and the
// send/receive engines.
package xfer

import (
	"time"

	"artifactsync/store"
)

// Session is the explicit per-sync value threaded through every
// operation: the login capability set and store handle are explicit
// fields here instead of module-level globals.
type Session struct {
	Store store.Store

	// Ephemeral Index (component B). Re-created empty at the start of
	// each cycle, discarded at its end — never persisted.
	PeerHave map[store.Name]struct{}
	PeerNeed map[store.Name]struct{}

	// Policy, negotiated or configured.
	SyncPrivate bool
	MaxSend     int64 // mx-send: outbound byte cap
	MaxTime     time.Duration
	Resync      uint64 // have-sweep cursor; 0 == off
	PeerVersion string
	PeerDate    time.Time
	OldPeer     bool // true if the remote predates SHA-3 support

	// UVSync records that the peer asked for the unversioned-file sync
	// pragma. No unversioned content is exchanged (out of scope); the
	// flag only drives the acknowledging pragma in the reply.
	UVSync bool

	// Capabilities granted to the authenticated user(s) this session.
	Caps map[store.Capability]struct{}

	// pendingPrivate tracks the isPriv ambiguity: only the most recent
	// private modifier card applies, and it is consumed on use. Set by
	// a bare `private` card, cleared by the very next file/cfile it
	// modifies.
	pendingPrivate bool

	// Counters, cumulative for the session; only ArtifactsThisCycle is
	// reset by ResetCycle.
	CardsSent, CardsRecv   int
	FilesSent, FilesRecv   int
	DeltasSent, DeltasRecv int
	IgotsSent, IgotsRecv   int
	ArtifactsThisCycle     int

	Deadline time.Time

	Errors []string
}

// NewSession builds a Session bound to s, with empty ephemeral sets and
// no granted capabilities. Callers configure policy fields afterward.
func NewSession(s store.Store) *Session {
	return &Session{
		Store:    s,
		PeerHave: make(map[store.Name]struct{}),
		PeerNeed: make(map[store.Name]struct{}),
		Caps:     make(map[store.Capability]struct{}),
	}
}

// ResetCycle re-creates the ephemeral index for a new request/reply
// cycle: it is re-created empty at the start of each cycle and torn
// down at its end.
func (s *Session) ResetCycle() {
	s.PeerHave = make(map[store.Name]struct{})
	s.PeerNeed = make(map[store.Name]struct{})
	s.ArtifactsThisCycle = 0
}

func (s *Session) markHave(name store.Name) {
	s.PeerHave[name] = struct{}{}
}

func (s *Session) hasPeerHave(name store.Name) bool {
	_, ok := s.PeerHave[name]
	return ok
}

func (s *Session) markNeed(name store.Name) {
	s.PeerNeed[name] = struct{}{}
}

// HasCap reports whether the session's authenticated user(s) were
// granted cap.
func (s *Session) HasCap(cap store.Capability) bool {
	_, ok := s.Caps[cap]
	return ok
}

// GrantCap adds cap to the session's authorization set. Logins are
// cumulative across multiple login cards in a single request.
func (s *Session) GrantCap(cap store.Capability) {
	s.Caps[cap] = struct{}{}
}

// SetPendingPrivate records a bare `private` modifier card.
func (s *Session) SetPendingPrivate() { s.pendingPrivate = true }

// ConsumePendingPrivate returns and clears the pending-private flag;
// called exactly once by the file/cfile handler that follows a
// `private` card.
func (s *Session) ConsumePendingPrivate() bool {
	v := s.pendingPrivate
	s.pendingPrivate = false
	return v
}

// RecordError appends a session-visible error and is used by the server
// handler to build the closing "# timestamp T errors N" summary card.
func (s *Session) RecordError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// PastDeadline reports whether the session's wall-clock budget has
// elapsed (the maxTime cancellation rule).
func (s *Session) PastDeadline(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

// OverBudget reports whether sent bytes so far meet or exceed MaxSend,
// the back-pressure trigger for send operations.
func (s *Session) OverBudget(sentBytes int64) bool {
	return s.MaxSend > 0 && sentBytes >= s.MaxSend
}
