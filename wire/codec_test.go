package wire

import (
	"bytes"
	"testing"
)

func TestDecodeEncodeSimpleCards(t *testing.T) {
	in := []byte("push S P\npull S P\nclone_seqno 0\n")
	cards, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("got %d cards, want 3", len(cards))
	}
	if cards[0].Keyword != KeywordPush || cards[0].Token(0) != "S" || cards[0].Token(1) != "P" {
		t.Fatalf("unexpected first card: %+v", cards[0])
	}

	out := Encode(cards)
	if !bytes.Equal(out, in) {
		t.Fatalf("Encode(Decode(in)) = %q, want %q", out, in)
	}
}

func TestDecodePayloadCards(t *testing.T) {
	payload := []byte("hello")
	in := []byte("file deadbeef00000000000000000000000000 5\nhello")
	cards, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("got %d cards, want 1", len(cards))
	}
	c := cards[0]
	if c.Keyword != KeywordFile || !bytes.Equal(c.Payload, payload) {
		t.Fatalf("unexpected card: %+v", c)
	}
}

func TestDecodeFileWithDeltaSrc(t *testing.T) {
	in := []byte("file hashD hashB 5\nworld")
	cards, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c := cards[0]
	if c.Token(0) != "hashD" || c.Token(1) != "hashB" || c.Token(2) != "5" {
		t.Fatalf("unexpected tokens: %v", c.Tokens)
	}
	if string(c.Payload) != "world" {
		t.Fatalf("payload = %q", c.Payload)
	}
}

func TestDecodeMalformedTokenCount(t *testing.T) {
	_, err := Decode([]byte("push onlyone\n"))
	if err == nil {
		t.Fatalf("expected malformed atom line error")
	}
}

func TestDecodeUnknownCardTolerated(t *testing.T) {
	cards, err := Decode([]byte("reqconfig foo bar\n"))
	if err != nil {
		t.Fatalf("unknown card should not error: %v", err)
	}
	if cards[0].Keyword != "reqconfig" {
		t.Fatalf("unexpected keyword: %s", cards[0].Keyword)
	}
}

func TestDecodeHTMLResponse(t *testing.T) {
	_, err := Decode([]byte("<html>not protocol</html>"))
	if err != ErrHTMLResponse {
		t.Fatalf("err = %v, want ErrHTMLResponse", err)
	}
}

func TestDecodeComment(t *testing.T) {
	cards, err := Decode([]byte("# timestamp 2024-01-01T00:00:00\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cards[0].Keyword != KeywordComment || cards[0].Token(0) != "timestamp" {
		t.Fatalf("unexpected comment card: %+v", cards[0])
	}
}

func TestFossilizeRoundTrip(t *testing.T) {
	cases := []string{"plain", "has space", "tab\tnewline\n", `back\slash`, ""}
	for _, c := range cases {
		got := unfossilize(fossilize(c))
		if got != c {
			t.Fatalf("round trip mismatch: %q -> %q -> %q", c, fossilize(c), got)
		}
	}
}

func TestDecodeWithOffsetsLoginRemainder(t *testing.T) {
	in := []byte("login alice noncehere sighere\nfile hashX 5\nhello")
	cards, err := DecodeWithOffsets(in)
	if err != nil {
		t.Fatalf("DecodeWithOffsets: %v", err)
	}
	if cards[0].Card.Keyword != KeywordLogin {
		t.Fatalf("first card should be login, got %s", cards[0].Card.Keyword)
	}
	remainder := in[cards[0].After:]
	want := "file hashX 5\nhello"
	if string(remainder) != want {
		t.Fatalf("remainder = %q, want %q", remainder, want)
	}
}

func TestEncodeTextEscaping(t *testing.T) {
	c := NewCard(KeywordMessage, "pull only — not authorized to push")
	out := Encode([]Card{c})
	if bytes.Contains(out, []byte(" not")) {
		t.Fatalf("escaped message should not contain a raw space inside the token: %q", out)
	}
}
