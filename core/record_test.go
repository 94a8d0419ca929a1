package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func signTestRecord(t *testing.T, cid string, seq uint64) []byte {
	t.Helper()
	id, err := DeriveIdentity(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := NewRecordCodec().Sign(id.PrivateKey, cid, seq, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func ndjsonLine(t *testing.T, recordBytes []byte) []byte {
	t.Helper()
	line, err := json.Marshal(map[string]any{
		"Extra": base64.StdEncoding.EncodeToString(recordBytes),
		"Type":  5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func TestSignParseRoundTrip(t *testing.T) {
	raw := signTestRecord(t, "bafyabc123", 17)
	parsed, err := NewRecordCodec().Parse(ndjsonLine(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if parsed == nil {
		t.Fatal("no record parsed")
	}
	if parsed.Cid != "bafyabc123" {
		t.Fatalf("cid = %q", parsed.Cid)
	}
	if parsed.Sequence != 17 {
		t.Fatalf("sequence = %d", parsed.Sequence)
	}
	if !bytes.Equal(parsed.RecordBytes, raw) {
		t.Fatal("record bytes not preserved")
	}
}

func TestParseSkipsIrrelevantLines(t *testing.T) {
	codec := NewRecordCodec()
	for _, line := range []string{
		"",
		"   ",
		`{"Type":1,"ID":"peer"}`,
		`{"Extra":"!!!not-base64!!!"}`,
		"not json at all",
	} {
		rec, err := codec.Parse([]byte(line))
		if err != nil {
			t.Fatalf("line %q: unexpected error %v", line, err)
		}
		if rec != nil {
			t.Fatalf("line %q produced a record", line)
		}
	}
}

func TestParseRejectsMalformedRecord(t *testing.T) {
	// Valid base64 of garbage protobuf must not crash, just fail cleanly.
	line, _ := json.Marshal(map[string]any{
		"Extra": base64.StdEncoding.EncodeToString([]byte("garbage-bytes")),
	})
	if rec, err := NewRecordCodec().Parse(line); err == nil && rec != nil {
		t.Fatal("garbage decoded into a record")
	}
}

func TestExtractCid(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/ipfs/bafyfoo", "bafyfoo"},
		{"/ipfs/bafyfoo/sub/path", "bafyfoo"},
		{"prefix /ipfs/bafyfoo suffix", "bafyfoo"},
		{"no path here", ""},
	}
	for _, c := range cases {
		if got := extractCid(c.in); got != c.want {
			t.Fatalf("extractCid(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSignValidatesInput(t *testing.T) {
	codec := NewRecordCodec()
	if _, err := codec.Sign(nil, "bafy", 1, time.Hour); err == nil {
		t.Fatal("nil key accepted")
	}
	id, _ := DeriveIdentity(bytes.Repeat([]byte{9}, 32))
	if _, err := codec.Sign(id.PrivateKey, "", 1, time.Hour); err == nil {
		t.Fatal("empty cid accepted")
	}
}
