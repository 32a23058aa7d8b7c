package xfer

import (
	"fmt"
	"strings"

	"artifactsync/store"
)

// ErrLoginFailed is the wire-visible error for any authentication
// failure: a successful login grants the user's capabilities, anything
// else means login failed.
var ErrLoginFailed = fmt.Errorf("login failed")

// ProcessLogin implements component C: validates a `login USER NONCE
// SIG` card against remainder (every byte of the request following the
// login card's terminating newline) and, on success, grants the
// session the user's capability set.
//
// Both checks below are mandatory: the tail hash (NONCE must
// equal hash(remainder)) and the signature (SIG must equal
// hash(NONCE||pw), compared in constant time), with a legacy cleartext
// fallback when the stored credential is not itself a 40-char SHA-1
// digest.
func ProcessLogin(sess *Session, caps *store.Capabilities, user, nonce, sig string, remainder []byte) error {
	algo, ok := store.AlgoForLength(len(nonce))
	if !ok {
		return ErrLoginFailed
	}
	wantNonce := store.HashOneShot(algo, remainder)
	if !strings.EqualFold(string(wantNonce), nonce) {
		return ErrLoginFailed
	}

	user = strings.ToLower(user)
	if store.IsReserved(user) {
		return ErrLoginFailed
	}
	if store.IsAnonymous(user) {
		for cap := range caps.AnonymousCaps() {
			sess.GrantCap(cap)
		}
		return nil
	}

	pw, ok := caps.Secret(user)
	if !ok {
		return ErrLoginFailed
	}

	if checkSignature(algo, nonce, pw, sig) {
		grantAll(sess, caps, user)
		return nil
	}

	if len(pw) != 40 {
		legacyPW := legacyDerive(pw, user)
		if checkSignature(algo, nonce, legacyPW, sig) {
			grantAll(sess, caps, user)
			return nil
		}
	}

	return ErrLoginFailed
}

func checkSignature(algo store.Algo, nonce, pw, sig string) bool {
	want := store.HashOneShot(algo, []byte(nonce+pw))
	return store.ConstantTimeEqual(strings.ToLower(string(want)), strings.ToLower(sig))
}

// legacyDerive re-derives a login secret for cleartext-stored passwords,
// re-derives a login secret for cleartext-stored passwords. It binds
// the password to the username so two users sharing a password do not
// share a derived secret.
func legacyDerive(pw, user string) string {
	return string(store.HashOneShot(store.AlgoSHA1, []byte(user+"/"+pw)))
}

func grantAll(sess *Session, caps *store.Capabilities, user string) {
	for _, cap := range caps.List(user) {
		sess.GrantCap(cap)
	}
}
