// Package client implements component G, the multi-cycle client driver:
// it builds an outbound message, exchanges it via the transport, feeds
// the reply to the receive engine, and evaluates the continuation
// predicate until the session converges or fails.
//
// Modelled on the teacher's SyncManager.Start/Stop/loop/SyncOnce
// (blockchain_synchronization.go), generalized from a continuous
// background block-fetch loop to this protocol's bounded multi-cycle
// request/reply exchange, and on InitService.BootstrapLedger
// (initialization_replication.go) for clone seeding of a bare store.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"artifactsync/store"
	"artifactsync/wire"
	"artifactsync/xfer"
)

// Mode selects the authorization card the driver opens each session
// with.
type Mode int

const (
	ModePull Mode = iota
	ModePush
	ModeClone
)

// Exchanger is the transport dependency: one POST-reply round trip.
// Satisfied by *transport.Client; an interface here keeps this package
// free of a direct transport import so tests can fake it.
type Exchanger interface {
	Exchange(ctx context.Context, out []byte) (in []byte, err error)
}

// Driver runs the client side of a sync session: repeated
// request/reply cycles against one remote, driven by the continuation
// predicate in spec.md §4.G. Unlike the server handler (one Session per
// request, by design), the Driver's Session lives for the whole
// multi-cycle sync: only its ephemeral index is recreated per cycle
// (Session.ResetCycle), while its counters and Resync cursor persist,
// per spec.md §3's "Session state ... lives only for the duration of
// one sync."
type Driver struct {
	Store       store.Store
	Transport   Exchanger
	Mode        Mode
	ServerCode  string
	ProjectCode string
	User        string
	Password    string
	Cookie      string
	SyncPrivate bool
	NoCompress  bool
	ClientVers  string

	// ParentProjectCode/ParentProjectName identify the project this
	// repository was itself cloned from, if any. Sent as pragma cards
	// so a server configured with the same lineage can tell a related
	// artifact apart from a genuinely foreign one.
	ParentProjectCode string
	ParentProjectName string

	// DontPush suppresses the proactive file-content push a ModePush
	// driver normally does: local roots are still announced via `have`,
	// but their content is withheld until the server asks for it with
	// `gimme`, mirroring dont-push's "announce, don't autosync" effect.
	DontPush bool

	// UVSync requests the server's unversioned-file sync pragma. No
	// unversioned-file content is exchanged (out of scope), but the
	// pragma round-trips so both sides can tell the option was asked
	// for.
	UVSync bool

	MaxSend   int64 // default 250 KiB, per spec.md §5
	MaxCycles int   // safety valve; 0 = unbounded

	// MaxDownload and MaxDownloadTime bound one Run's total inbound
	// reply bytes and wall-clock duration; once either is exceeded the
	// driver stops issuing further cycles, even if the continuation
	// predicate would otherwise say go. Zero means unbounded.
	MaxDownload     int64
	MaxDownloadTime time.Duration

	Log *logrus.Logger
	Now func() time.Time

	sess *xfer.Session

	// pushed remembers, for the life of one Run, which local roots have
	// already been delivered as file content: the per-cycle PeerHave
	// index is torn down by ResetCycle, so without this a push would
	// resend every root's full content every cycle forever.
	pushed map[store.Name]bool

	// pendingServe holds names the server asked for with a gimme/need
	// card that arrived too late in the cycle to answer directly: a
	// reply is already complete by the time it is parsed, so the content
	// goes out at the start of the next cycle's outbound instead.
	pendingServe []store.Name

	// last-cycle bookkeeping that feeds the adaptive gimme cap and the
	// continuation predicate.
	filesRecvLastCycle int
	filesSentLastCycle int
	cycle              int

	// SkewSeconds holds the most extreme signed clock-skew observed
	// this session, reported at end-of-session if it exceeds ±10s.
	SkewSeconds float64

	downloadStart   time.Time
	bytesDownloaded int64

	nErr int
}

// NewDriver builds a Driver with the spec's default client-side
// back-pressure cap (250 KiB).
func NewDriver(s store.Store, t Exchanger) *Driver {
	return &Driver{
		Store:      s,
		Transport:  t,
		MaxSend:    250 << 10,
		ClientVers: "2",
		Log:        logrus.StandardLogger(),
		Now:        time.Now,
	}
}

// Run drives cycles until the continuation predicate says stop, a
// fatal error card arrives, or MaxCycles is reached. It returns the
// number of errors recorded across the session (nErr), non-zero
// meaning the loop ended on a transport or protocol failure rather
// than convergence.
func (d *Driver) Run(ctx context.Context) (nErr int, err error) {
	d.sess = xfer.NewSession(d.Store)
	d.sess.MaxSend = d.MaxSend
	d.sess.SyncPrivate = d.SyncPrivate
	d.pushed = make(map[store.Name]bool)
	d.downloadStart = d.Now()

	for {
		d.cycle++
		goOn, cycleErr := d.runCycle(ctx)
		if cycleErr != nil {
			d.nErr++
			return d.nErr, cycleErr
		}
		if !goOn {
			return d.nErr, nil
		}
		if d.MaxCycles > 0 && d.cycle >= d.MaxCycles {
			return d.nErr, nil
		}
		if d.overDownloadBudget() {
			d.Log.Warn("client: download budget exhausted, stopping sync")
			return d.nErr, nil
		}
	}
}

// overDownloadBudget reports whether this Run has exceeded either
// configured download limit. Both are zero (unbounded) by default.
func (d *Driver) overDownloadBudget() bool {
	if d.MaxDownload > 0 && d.bytesDownloaded >= d.MaxDownload {
		return true
	}
	if d.MaxDownloadTime > 0 && d.Now().Sub(d.downloadStart) >= d.MaxDownloadTime {
		return true
	}
	return false
}

// runCycle builds one outbound message, exchanges it, and processes
// the reply, returning whether a further cycle is warranted.
func (d *Driver) runCycle(ctx context.Context) (bool, error) {
	d.sess.ResetCycle()
	filesSentBefore := d.sess.FilesSent
	filesRecvBefore := d.sess.FilesRecv

	out, err := d.buildOutbound()
	if err != nil {
		return false, fmt.Errorf("client: build outbound: %w", err)
	}

	start := d.Now()
	in, err := d.Transport.Exchange(ctx, out)
	if err != nil {
		return false, fmt.Errorf("client: exchange: %w", err)
	}
	arrival := d.Now()
	round := arrival.Sub(start)
	serverArrival := start.Add(round / 2) // midpoint estimate of server receipt time
	d.bytesDownloaded += int64(len(in))

	return d.processReply(in, serverArrival, int64(len(out)+len(in)), filesSentBefore, filesRecvBefore)
}

// buildOutbound composes the request body: authorization card, login
// (if credentials are configured), a version pragma, the cookie if any,
// pending gimme cards for local phantoms, have cards from send-roots,
// and a trailing random comment so each cycle's nonce is unique. The
// login card's tail hash covers every byte emitted after it, so the
// tail is built first and the login card prepended once its hash is
// known.
func (d *Driver) buildOutbound() ([]byte, error) {
	var tail []wire.Card

	tail = append(tail, wire.NewCard(wire.KeywordPragma, "client-version", d.ClientVers))
	if d.Cookie != "" {
		tail = append(tail, wire.NewCard(wire.KeywordCookie, d.Cookie))
	}
	if d.UVSync {
		tail = append(tail, wire.NewCard(wire.KeywordPragma, "uv-sync", "1"))
	}
	if d.ParentProjectCode != "" {
		tail = append(tail, wire.NewCard(wire.KeywordPragma, "parent-project-code", d.ParentProjectCode))
	}
	if d.ParentProjectName != "" {
		tail = append(tail, wire.NewCard(wire.KeywordPragma, "parent-project-name", d.ParentProjectName))
	}

	gimmeCap := d.gimmeCap()
	phantoms, err := d.pendingPhantoms(gimmeCap)
	if err != nil {
		return nil, err
	}
	for _, name := range phantoms {
		tail = append(tail, wire.NewCard(wire.KeywordGimme, string(name)))
	}

	// Only a push announces local content: a pure pull session must not
	// emit have/file cards, since the server rejects them without a
	// write capability. Pushed roots are sent directly as file cards
	// (the client is authoritative for its own new content, so it does
	// not wait for a gimme round trip); SendRoots afterward is
	// idempotent gossip bookkeeping for anything SendFile skipped
	// (already in peer-have, private, or shunned).
	sd := xfer.NewSender(d.sess)
	if d.Mode == ModePush {
		if err := d.servePending(sd); err != nil {
			return nil, err
		}
		if !d.DontPush {
			if err := d.pushLocalRoots(sd); err != nil {
				return nil, err
			}
		}
		if err := sd.SendPrivate(); err != nil {
			return nil, err
		}
		if err := sd.SendRoots(); err != nil {
			return nil, err
		}
	}
	tail = append(tail, sd.Out...)

	tail = append(tail, wire.NewCard(wire.KeywordComment, randomNonce()))

	tailBytes := wire.Encode(tail)

	var head []wire.Card
	switch d.Mode {
	case ModePush:
		head = append(head, wire.NewCard(wire.KeywordPush, d.ServerCode, d.ProjectCode))
	case ModeClone:
		seq := "1"
		if d.cycle > 1 {
			seq = strconv.FormatUint(d.sess.Resync, 10)
		}
		head = append(head, wire.NewCard(wire.KeywordClone, "3", seq))
	default:
		head = append(head, wire.NewCard(wire.KeywordPull, d.ServerCode, d.ProjectCode))
	}

	if d.User != "" {
		nonce := string(store.HashOneShot(store.AlgoSHA3_256, tailBytes))
		sig := string(store.HashOneShot(store.AlgoSHA3_256, []byte(nonce+d.Password)))
		head = append(head, wire.NewCard(wire.KeywordLogin, d.User, nonce, sig))
	}

	return append(wire.Encode(head), tailBytes...), nil
}

// pushLocalRoots sends every not-yet-delivered local root artifact as a
// file/delta card, the client-initiated half of a push: the client is
// the authoritative source for its own new content, so it pushes
// directly rather than waiting for the server to gimme it back. Once a
// root is actually delivered, d.pushed remembers it for the rest of
// this Run so a later cycle does not resend it (d.pushed survives
// ResetCycle, which only tears down the per-cycle PeerHave index).
func (d *Driver) pushLocalRoots(sd *xfer.Sender) error {
	ids, err := d.Store.EnumerateRoots()
	if err != nil {
		return err
	}
	for _, id := range ids {
		name, err := d.Store.NameOf(id)
		if err != nil {
			continue
		}
		if d.pushed[name] {
			continue
		}
		before := d.sess.FilesSent
		if err := sd.SendFile(id, name, true); err != nil {
			return err
		}
		if d.sess.FilesSent > before {
			d.pushed[name] = true
		}
	}
	return nil
}

// servePending answers the gimme/need cards the previous reply asked
// for, now that there is a fresh outbound to append a file card to. A
// name the store no longer resolves (deleted, still a phantom) is
// silently dropped rather than retried forever.
func (d *Driver) servePending(sd *xfer.Sender) error {
	names := d.pendingServe
	d.pendingServe = nil
	for _, name := range names {
		id, err := d.Store.Resolve(name, false)
		if err != nil || id == 0 {
			continue
		}
		if _, err := d.Store.Get(id); err != nil {
			continue
		}
		if err := sd.SendFile(id, name, true); err != nil {
			return err
		}
		d.pushed[name] = true
	}
	return nil
}

// gimmeCap bounds the number of gimme cards emitted this cycle to
// max(200, 2*filesReceivedLastCycle), adaptive to keep request sizes
// bounded without too many round trips.
func (d *Driver) gimmeCap() int {
	if n := 2 * d.filesRecvLastCycle; n > 200 {
		return n
	}
	return 200
}

// pendingPhantoms returns up to limit phantom names the store does not
// yet hold content for.
func (d *Driver) pendingPhantoms(limit int) ([]store.Name, error) {
	names, err := d.Store.EnumerateAll()
	if err != nil {
		return nil, err
	}
	var out []store.Name
	for _, n := range names {
		id, err := d.Store.Resolve(n, false)
		if err != nil || id == 0 {
			continue
		}
		if _, err := d.Store.Get(id); err != nil {
			out = append(out, n)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// processReply parses the server's reply cards, dispatches each into
// the receive engine, and evaluates the continuation predicate.
func (d *Driver) processReply(in []byte, arrival time.Time, totalBytes int64, filesSentBefore, filesRecvBefore int) (bool, error) {
	cards, err := wire.DecodeWithOffsets(in)
	if err == wire.ErrHTMLResponse {
		return false, fmt.Errorf("client: %w", err)
	}
	if err != nil {
		return false, fmt.Errorf("client: malformed reply: %w", err)
	}

	sd := xfer.NewSender(d.sess)
	recv := xfer.NewReceiver(d.sess, sd)

	continueClone := false
	fatal := false
	for _, oc := range cards {
		c := oc.Card
		d.sess.CardsRecv++
		switch c.Keyword {
		case wire.KeywordPush:
			// clone ack: SERVERCODE/PROJCODE negotiated; nothing else
			// to do client-side.
		case wire.KeywordFile, wire.KeywordCFile:
			if err := recv.HandleFile(c); err != nil {
				if err == xfer.ErrHashMismatch {
					fatal = true
					break
				}
				return false, fmt.Errorf("client: handling %s card: %w", c.Keyword, err)
			}
		case wire.KeywordHave:
			if err := recv.HandleHave(c); err != nil {
				return false, fmt.Errorf("client: handling have card: %w", err)
			}
		case wire.KeywordIgot:
			if err := recv.HandleIgot(c); err != nil {
				return false, fmt.Errorf("client: handling igot card: %w", err)
			}
		case wire.KeywordNeed, wire.KeywordGimme:
			// The reply is already built by the time this card is
			// parsed, so there is no outbound left to append a file
			// card to this cycle; remember the name and serve it at
			// the start of the next buildOutbound instead.
			d.pendingServe = append(d.pendingServe, store.Name(c.Token(0)))
		case wire.KeywordCloneSeqno:
			cont, err := recv.HandleCloneSeqno(c)
			if err != nil {
				return false, err
			}
			continueClone = cont
		case wire.KeywordPrivate:
			d.sess.SetPendingPrivate()
		case wire.KeywordCookie:
			d.Cookie = c.Token(0)
		case wire.KeywordPragma:
			// unknown pragmas are ignored; none are meaningful client-side yet.
		case wire.KeywordMessage:
			d.Log.Info("server message: " + c.Token(0))
			if c.Token(0) == "pull only — not authorized to push" {
				d.Mode = ModePull
			}
		case wire.KeywordError:
			d.sess.RecordError(c.Token(0))
			if !d.errorTolerated(c.Token(0)) {
				fatal = true
			}
		case wire.KeywordComment:
			d.observeSkew(c, arrival, totalBytes)
		default:
			// unknown cards are tolerated per spec.md §4.A.
		}
		if fatal {
			break
		}
	}

	if fatal {
		return false, fmt.Errorf("client: %s", lastError(d.sess))
	}

	d.filesRecvLastCycle = d.sess.FilesRecv - filesRecvBefore
	d.filesSentLastCycle = d.sess.FilesSent - filesSentBefore

	goOn := d.continuePredicate(recv, continueClone)
	return goOn, nil
}

// errorTolerated implements the client's non-terminal error exceptions:
// any error card during a clone's first round (authentication may fail
// there because the project code is not known yet) and "not authorized
// to write" during a push are downgraded rather than aborting the loop.
func (d *Driver) errorTolerated(msg string) bool {
	if d.Mode == ModeClone && d.cycle == 1 {
		return true
	}
	if msg == "not authorized to write" && d.Mode == ModePush {
		return true
	}
	return false
}

func lastError(sess *xfer.Session) string {
	if len(sess.Errors) == 0 {
		return "session error"
	}
	return sess.Errors[len(sess.Errors)-1]
}

// continuePredicate implements spec.md §4.G's go/stop rule.
func (d *Driver) continuePredicate(recv *xfer.Receiver, continueClone bool) bool {
	if recv.NewPhantoms > 0 {
		if remaining, _ := d.pendingPhantoms(1); len(remaining) > 0 {
			return true
		}
	}
	if len(d.pendingServe) > 0 {
		return true
	}
	if d.filesSentLastCycle > 0 || d.filesRecvLastCycle > 0 {
		return true
	}
	if d.Mode == ModeClone && d.cycle <= 2 {
		return true
	}
	if d.Mode == ModeClone && (d.filesRecvLastCycle > 0 || continueClone) {
		return true
	}
	return false
}

// observeSkew updates SkewSeconds from a "# timestamp T errors N"
// comment, adjusted for a data-volume-dependent transmission grace of
// (bytes/5000 + 20) seconds.
func (d *Driver) observeSkew(c wire.Card, arrival time.Time, totalBytes int64) {
	if c.Token(0) != "timestamp" {
		return
	}
	serverTime, err := time.Parse(time.RFC3339, c.Token(1))
	if err != nil {
		return
	}
	grace := float64(totalBytes)/5000 + 20
	diff := arrival.Sub(serverTime).Seconds()
	adjusted := 0.0
	if math.Abs(diff) > grace {
		adjusted = diff - math.Copysign(grace, diff)
	}
	if math.Abs(adjusted) > math.Abs(d.SkewSeconds) {
		d.SkewSeconds = adjusted
	}
}

// ReportSkew returns a human-readable warning if the observed clock
// skew exceeds the ±10 second threshold, or "" otherwise.
func (d *Driver) ReportSkew() string {
	if math.Abs(d.SkewSeconds) > 10 {
		return fmt.Sprintf("client: server clock skew of %.1fs exceeds tolerance", d.SkewSeconds)
	}
	return ""
}

func randomNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
