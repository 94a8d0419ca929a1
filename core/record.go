package core

// Signed pointer-record codec. The wire format is the naming service's
// protobuf record; fields are written by hand with protowire so the engine
// carries no generated code.

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf field numbers of the pointer record.
const (
	fieldValue        = 1
	fieldSignatureV1  = 2
	fieldValidityType = 3
	fieldValidity     = 4
	fieldSequence     = 5
	fieldTTL          = 6
	fieldPubKey       = 7
)

// validityEOL is the only validity type the engine emits: the record is good
// until the embedded expiration timestamp.
const validityEOL = 0

// ParsedRecord is a pointer record as recovered from a routing response.
type ParsedRecord struct {
	Cid         string
	Sequence    uint64
	RecordBytes []byte
}

// RecordCodec marshals and unmarshals signed pointer records. The Provider
// treats the bytes as opaque; only the codec knows the wire layout.
type RecordCodec interface {
	// Sign produces the marshalled signed record asserting /ipfs/<cid> at the
	// given sequence, valid for lifetime from now.
	Sign(priv ed25519.PrivateKey, cid string, sequence uint64, lifetime time.Duration) ([]byte, error)
	// Parse extracts a record from one NDJSON routing-response line. Lines
	// that carry no record (blank, not JSON, no Extra field, bad base64)
	// yield (nil, nil); an Extra payload that does not decode as a record
	// yields an error.
	Parse(line []byte) (*ParsedRecord, error)
}

type ipnsCodec struct{}

// NewRecordCodec returns the wire-format codec for the naming service.
func NewRecordCodec() RecordCodec { return ipnsCodec{} }

func (ipnsCodec) Sign(priv ed25519.PrivateKey, cid string, sequence uint64, lifetime time.Duration) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, Errf(KindInvalidInput, "bad private key length %d", len(priv))
	}
	if cid == "" {
		return nil, Errf(KindInvalidInput, "empty cid")
	}
	value := []byte("/ipfs/" + cid)
	validity := []byte(time.Now().Add(lifetime).UTC().Format(time.RFC3339Nano))

	// Signature covers value || validity || validity-type name.
	msg := make([]byte, 0, len(value)+len(validity)+3)
	msg = append(msg, value...)
	msg = append(msg, validity...)
	msg = append(msg, []byte("EOL")...)
	sig := ed25519.Sign(priv, msg)

	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	pkBytes, err := p2pcrypto.MarshalPublicKey(pk)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	b = protowire.AppendTag(b, fieldSignatureV1, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	b = protowire.AppendTag(b, fieldValidityType, protowire.VarintType)
	b = protowire.AppendVarint(b, validityEOL)
	b = protowire.AppendTag(b, fieldValidity, protowire.BytesType)
	b = protowire.AppendBytes(b, validity)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, sequence)
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Hour.Nanoseconds()))
	b = protowire.AppendTag(b, fieldPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, pkBytes)
	return b, nil
}

func (ipnsCodec) Parse(line []byte) (*ParsedRecord, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var frame struct {
		Extra string `json:"Extra"`
	}
	if err := json.Unmarshal(line, &frame); err != nil || frame.Extra == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(frame.Extra)
	if err != nil {
		return nil, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// decodeRecord walks the protobuf fields of a marshalled record, pulling out
// the sequence and the /ipfs/ path.
func decodeRecord(raw []byte) (*ParsedRecord, error) {
	rec := &ParsedRecord{RecordBytes: raw}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, Errf(KindInvalidResponse, "malformed record tag")
		}
		b = b[n:]
		switch {
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, Errf(KindInvalidResponse, "malformed record value")
			}
			rec.Cid = extractCid(string(v))
			b = b[n:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, Errf(KindInvalidResponse, "malformed record sequence")
			}
			rec.Sequence = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, Errf(KindInvalidResponse, "malformed record field %d", num)
			}
			b = b[n:]
		}
	}
	if rec.Cid == "" {
		return nil, Errf(KindInvalidResponse, "record carries no /ipfs path")
	}
	return rec, nil
}

// extractCid pulls the CID out of the first /ipfs/<cid> substring of s.
func extractCid(s string) string {
	const marker = "/ipfs/"
	i := bytes.Index([]byte(s), []byte(marker))
	if i < 0 {
		return ""
	}
	rest := s[i+len(marker):]
	for j := 0; j < len(rest); j++ {
		c := rest[j]
		if c == '/' || c == '"' || c == ' ' || c == '\n' || c == '\t' {
			return rest[:j]
		}
	}
	return rest
}
