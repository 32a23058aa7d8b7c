// Package wire implements the line-oriented "card" grammar described in
// tokenization, payload-length slicing, and TEXT escaping.
// It is a pure library, used by both the server handler and the client
// driver, and has no knowledge of Store/Session semantics.
package wire

import "strings"

// Keyword constants for every card the codec MUST recognize, per the
// grammar table below. Cards with any other keyword are still
// parsed (keyword + tokens) but carry no further grammar validation —
// the "single-card unknown handling" this codec tolerates.
const (
	KeywordPush       = "push"
	KeywordPull       = "pull"
	KeywordClone      = "clone"
	KeywordLogin      = "login"
	KeywordHave       = "have"
	KeywordIgot       = "igot"
	KeywordNeed       = "need"
	KeywordGimme      = "gimme"
	KeywordFile       = "file"
	KeywordCFile      = "cfile"
	KeywordPrivate    = "private"
	KeywordCloneSeqno = "clone_seqno"
	KeywordCookie     = "cookie"
	KeywordPragma     = "pragma"
	KeywordMessage    = "message"
	KeywordError      = "error"
	KeywordComment    = "#"
)

// Card is one decoded logical line, plus its payload if the keyword is
// payload-bearing (file, cfile).
type Card struct {
	Keyword string
	Tokens  []string
	Payload []byte
}

// HasPayload reports whether this card's keyword carries a trailing
// byte payload.
func (c Card) HasPayload() bool {
	return c.Keyword == KeywordFile || c.Keyword == KeywordCFile
}

// Token returns the i'th token, or "" if absent (used for optional
// tokens like PRIV or DELTASRC).
func (c Card) Token(i int) string {
	if i < 0 || i >= len(c.Tokens) {
		return ""
	}
	return c.Tokens[i]
}

// String renders the card's line form (without payload bytes), mainly
// for logging and error messages.
func (c Card) String() string {
	if len(c.Tokens) == 0 {
		return c.Keyword
	}
	return c.Keyword + " " + strings.Join(c.Tokens, " ")
}

type cardGrammar struct {
	minTokens, maxTokens int
}

// grammar enumerates the cards this codec validates. Up to five tokens
// per card. file and
// cfile always carry a trailing length token (SIZE/CSIZE); DELTASRC
// between HASH and the length token is optional, which is why their
// token-count range spans two values.
var grammar = map[string]cardGrammar{
	KeywordPush:       {2, 2},
	KeywordPull:       {2, 2},
	KeywordClone:      {0, 2},
	KeywordLogin:      {3, 3},
	KeywordHave:       {1, 2},
	KeywordIgot:       {1, 2},
	KeywordNeed:       {1, 1},
	KeywordGimme:      {1, 1},
	KeywordFile:       {2, 3},
	KeywordCFile:      {3, 4},
	KeywordPrivate:    {0, 0},
	KeywordCloneSeqno: {1, 1},
	KeywordCookie:     {1, 1},
	KeywordPragma:     {1, 5},
	KeywordMessage:    {1, 1},
	KeywordError:      {1, 1},
}

// payloadLengthToken returns the token holding the payload length for
// file/cfile cards: always the last token present, since DELTASRC is
// optional and SIZE/CSIZE always trails it.
func payloadLengthToken(c Card) (string, bool) {
	switch c.Keyword {
	case KeywordFile, KeywordCFile:
		if len(c.Tokens) == 0 {
			return "", false
		}
		return c.Tokens[len(c.Tokens)-1], true
	default:
		return "", false
	}
}
