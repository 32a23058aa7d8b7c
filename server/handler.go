// Package server implements the one-shot request/reply processor that
// drives the send/receive engines per inbound card and composes the
// reply message.
package server

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"artifactsync/store"
	"artifactsync/wire"
	"artifactsync/xfer"
)

// Handler is the server-side request processor. One Handler instance
// may be reused across requests (it holds no per-request state of its
// own): one request is processed per invocation, single-threaded
// within that request; concurrency across requests is the caller's
// responsibility.
type Handler struct {
	Store       store.Store
	Caps        *store.Capabilities
	ServerCode  string
	ProjectCode string
	MaxTime     time.Duration
	MaxSend     int64

	// ParentProjectCode/ParentProjectName, if set, are this server's own
	// lineage: a client declaring a different parent via pragma is
	// rejected, since its artifacts cannot be assumed compatible.
	ParentProjectCode string
	ParentProjectName string

	// RemoteUserOK trusts a caller-supplied remote-user identity (set by
	// a front-end reverse proxy that has already authenticated the
	// caller) in place of a login card, granting that user's configured
	// capabilities outright.
	RemoteUserOK bool

	Log     *logrus.Logger
	Metrics *Metrics
}

// NewHandler builds a Handler with conservative default back-pressure
// and deadline values: a 5 MB outbound cap and a 30s wall-clock budget
// per request.
func NewHandler(s store.Store, caps *store.Capabilities, serverCode, projectCode string) *Handler {
	return &Handler{
		Store:       s,
		Caps:        caps,
		ServerCode:  serverCode,
		ProjectCode: projectCode,
		MaxTime:     30 * time.Second,
		MaxSend:     5 << 20,
		Log:         logrus.StandardLogger(),
		Metrics:     NewMetrics(),
	}
}

// Handle processes one request body and returns the reply body: it
// walks the decoded cards in order, dispatching each into the send or
// receive engine, and stops at the first error card it emits.
//
// remoteUser, if non-empty and RemoteUserOK is set, is trusted as an
// already-authenticated identity (e.g. from a reverse proxy) and is
// granted that user's configured capabilities without a login card.
func (h *Handler) Handle(body []byte, remoteUser string) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()
	log := h.Log.WithField("request_id", reqID)

	sess := xfer.NewSession(h.Store)
	sess.MaxSend = h.MaxSend
	sess.Deadline = start.Add(h.MaxTime)
	for cap := range h.Caps.AnonymousCaps() {
		sess.GrantCap(cap)
	}
	if h.RemoteUserOK && remoteUser != "" {
		for _, cap := range h.Caps.List(remoteUser) {
			sess.GrantCap(cap)
		}
	}

	sd := xfer.NewSender(sess)
	recv := xfer.NewReceiver(sess, sd)

	cards, err := wire.DecodeWithOffsets(body)
	if err == wire.ErrHTMLResponse {
		log.Warn("request body looked like HTML, not protocol")
		return wire.Encode([]wire.Card{wire.NewCard(wire.KeywordError, "bad request")}), nil
	}
	if err != nil {
		sd.Emit(wire.NewCard(wire.KeywordError, fmt.Sprintf("malformed atom line: %s", err.Error())))
		return h.finish(sess, sd, log, start, true, true)
	}

	var authRead, authWrite, deltaFlag, seedMode, pullOrPush bool

	for _, oc := range cards {
		c := oc.Card
		sess.CardsRecv++
		switch c.Keyword {
		case wire.KeywordPull:
			pullOrPush = true
			if !sess.HasCap(store.CapRead) {
				sd.Emit(wire.NewCard(wire.KeywordError, "not authorized to read"))
				return h.abort(sess, sd, log, start)
			}
			if c.Token(1) == "" {
				sd.Emit(wire.NewCard(wire.KeywordError, "missing project code"))
				return h.abort(sess, sd, log, start)
			}
			if c.Token(1) != h.ProjectCode {
				sd.Emit(wire.NewCard(wire.KeywordError, "wrong project"))
				return h.abort(sess, sd, log, start)
			}
			authRead = true

		case wire.KeywordPush:
			pullOrPush = true
			if c.Token(1) == "" {
				sd.Emit(wire.NewCard(wire.KeywordError, "missing project code"))
				return h.abort(sess, sd, log, start)
			}
			if sess.HasCap(store.CapWrite) {
				authWrite = true
			} else {
				sd.Emit(wire.NewCard(wire.KeywordMessage, "pull only — not authorized to push"))
			}

		case wire.KeywordClone:
			if !sess.HasCap(store.CapClone) {
				sd.Emit(wire.NewCard(wire.KeywordError, "not authorized to clone"))
				return h.abort(sess, sd, log, start)
			}
			authRead = true
			deltaFlag = true
			seedMode = true
			sd.Emit(wire.NewCard(wire.KeywordPush, h.ServerCode, h.ProjectCode))

		case wire.KeywordLogin:
			remainder := body[oc.After:]
			if err := xfer.ProcessLogin(sess, h.Caps, c.Token(0), c.Token(1), c.Token(2), remainder); err != nil {
				sd.Emit(wire.NewCard(wire.KeywordError, "login failed"))
				return h.abort(sess, sd, log, start)
			}

		case wire.KeywordFile, wire.KeywordCFile:
			if !authWrite {
				sd.Emit(wire.NewCard(wire.KeywordError, "not authorized to write"))
				return h.abort(sess, sd, log, start)
			}
			if err := recv.HandleFile(c); err != nil {
				if err == xfer.ErrHashMismatch {
					sd.Emit(wire.NewCard(wire.KeywordError, fmt.Sprintf("wrong hash on received artifact: %s", c.Token(0))))
					return h.abort(sess, sd, log, start)
				}
				return nil, fmt.Errorf("server: handling %s card: %w", c.Keyword, err)
			}

		case wire.KeywordHave:
			if !authWrite {
				sd.Emit(wire.NewCard(wire.KeywordError, "not authorized to write"))
				return h.abort(sess, sd, log, start)
			}
			if err := recv.HandleHave(c); err != nil {
				return nil, fmt.Errorf("server: handling have card: %w", err)
			}

		case wire.KeywordNeed, wire.KeywordGimme:
			if authRead {
				if err := recv.HandleGimmeNeed(c, true, deltaFlag); err != nil {
					return nil, fmt.Errorf("server: handling %s card: %w", c.Keyword, err)
				}
			}

		case wire.KeywordPragma:
			switch c.Token(0) {
			case "client-version":
				sess.PeerVersion = c.Token(1)
			case "uv-sync":
				sess.UVSync = true
			case "parent-project-code":
				if h.ParentProjectCode != "" && c.Token(1) != h.ParentProjectCode {
					sd.Emit(wire.NewCard(wire.KeywordError, "wrong project"))
					return h.abort(sess, sd, log, start)
				}
			case "parent-project-name":
				if h.ParentProjectName != "" && c.Token(1) != h.ParentProjectName {
					sd.Emit(wire.NewCard(wire.KeywordError, "wrong project"))
					return h.abort(sess, sd, log, start)
				}
			}

		case wire.KeywordComment:
			// Ignored server-side; the client computes skew from our
			// own closing timestamp, not the other direction.

		default:
			sd.Emit(wire.NewCard(wire.KeywordError, fmt.Sprintf("bad command: %s", c.Keyword)))
			return h.abort(sess, sd, log, start)
		}
	}

	if authWrite {
		for _, name := range recv.NewPhantomNames {
			sd.Emit(wire.NewCard(wire.KeywordGimme, string(name)))
		}
	}

	if sess.UVSync {
		sd.Emit(wire.NewCard(wire.KeywordPragma, "uv-sync", "1"))
	}

	if seedMode {
		if err := sd.SeedAll(); err != nil {
			return nil, fmt.Errorf("server: seeding clone: %w", err)
		}
		sd.Emit(wire.NewCard(wire.KeywordCloneSeqno, "0"))
	} else if pullOrPush {
		if err := sd.SendRoots(); err != nil {
			return nil, fmt.Errorf("server: sending roots: %w", err)
		}
	}

	return h.finish(sess, sd, log, start, false, len(sess.Errors) > 0)
}

// abort builds a reply consisting of only the most recently emitted
// error card, discarding any cards queued earlier this request.
func (h *Handler) abort(sess *xfer.Session, sd *xfer.Sender, log *logrus.Entry, start time.Time) ([]byte, error) {
	errorCard := sd.Out[len(sd.Out)-1]
	return h.finish(sess, &xfer.Sender{Sess: sess, Out: []wire.Card{errorCard}}, log, start, true, true)
}

func (h *Handler) finish(sess *xfer.Session, sd *xfer.Sender, log *logrus.Entry, start time.Time, aborted, hadError bool) ([]byte, error) {
	if !aborted {
		nErr := len(sess.Errors)
		sd.Out = append(sd.Out, wire.NewCard(wire.KeywordComment,
			"timestamp", start.UTC().Format(time.RFC3339), "errors", fmt.Sprintf("%d", nErr)))
	}

	snap := sess.Snapshot()
	if raw, err := rlp.EncodeToBytes(&snap); err == nil {
		log.WithField("stats_rlp_bytes", len(raw)).Debug("session stats encoded")
	}
	h.Metrics.observe(sess.CardsSent, sess.CardsRecv, sess.FilesSent, sess.FilesRecv, sess.DeltasSent, sess.DeltasRecv, hadError)
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("sync request handled")

	return wire.Encode(sd.Out), nil
}
