package core

// Wallet-state document model. On the wire the document is a single JSON
// object; a handful of reserved keys partition the key space, everything else
// is a token record keyed by its token id.

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TxfData is the wallet-state document: a polymorphic JSON object.
type TxfData map[string]any

// Reserved document keys.
const (
	KeyMeta       = "_meta"
	KeyTombstones = "_tombstones"
	KeyOutbox     = "_outbox"
	KeySent       = "_sent"
	KeyInvalid    = "_invalid"
	KeyNametags   = "_nametags"

	archivedPrefix = "archived-"
	forkedPrefix   = "_forked_"
)

// FormatVersion is stamped into _meta on every save.
const FormatVersion = "2.0"

var reservedKeys = map[string]bool{
	KeyMeta:       true,
	KeyTombstones: true,
	KeyOutbox:     true,
	KeySent:       true,
	KeyInvalid:    true,
	KeyNametags:   true,
}

// Meta mirrors the _meta object. Version survives JSON round-trips as either
// a number or a decimal string; sequence-sized values are carried as strings
// past 2^53.
type Meta struct {
	Version       uint64
	Address       string
	FormatVersion string
	UpdatedAt     int64
	IpnsName      string
	LastCid       string
}

// Tombstone marks a retired token identity. Identity is (TokenID, StateHash);
// the newest Timestamp wins on collision.
type Tombstone struct {
	TokenID   string `json:"tokenId"`
	StateHash string `json:"stateHash"`
	Timestamp int64  `json:"timestamp"`
}

// IsReservedKey reports whether k names one of the engine-owned sections.
func IsReservedKey(k string) bool { return reservedKeys[k] }

// IsArchivedKey reports whether k holds an archived token.
func IsArchivedKey(k string) bool { return strings.HasPrefix(k, archivedPrefix) }

// IsActiveTokenKey reports whether k holds a live token record.
func IsActiveTokenKey(k string) bool {
	return !IsReservedKey(k) && !IsArchivedKey(k) && !strings.HasPrefix(k, forkedPrefix)
}

// TokenIDForKey returns the token identity a document key refers to. Legacy
// writers prefixed token keys with an underscore; the stored key is preserved
// verbatim, only identity matching strips the prefix.
func TokenIDForKey(k string) string {
	if strings.HasPrefix(k, "_") && !IsReservedKey(k) && !strings.HasPrefix(k, forkedPrefix) {
		return strings.TrimPrefix(k, "_")
	}
	return k
}

// ActiveTokenKeys lists the live token keys of d in no particular order.
func (d TxfData) ActiveTokenKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		if IsActiveTokenKey(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Meta decodes the _meta section, tolerating the number-vs-string version
// encodings found in the wild.
func (d TxfData) Meta() Meta {
	m := Meta{}
	raw, ok := d[KeyMeta].(map[string]any)
	if !ok {
		return m
	}
	m.Version = asUint64(raw["version"])
	m.Address, _ = raw["address"].(string)
	m.FormatVersion, _ = raw["formatVersion"].(string)
	m.UpdatedAt = int64(asUint64(raw["updatedAt"]))
	m.IpnsName, _ = raw["ipnsName"].(string)
	m.LastCid, _ = raw["lastCid"].(string)
	return m
}

// SetMeta writes the _meta section. LastCid is omitted entirely when empty so
// a bootstrap document carries no lastCid field at all.
func (d TxfData) SetMeta(m Meta) {
	raw := map[string]any{
		"version":       m.Version,
		"address":       m.Address,
		"formatVersion": m.FormatVersion,
		"updatedAt":     m.UpdatedAt,
	}
	if m.IpnsName != "" {
		raw["ipnsName"] = m.IpnsName
	}
	if m.LastCid != "" {
		raw["lastCid"] = m.LastCid
	}
	d[KeyMeta] = raw
}

// Tombstones decodes the _tombstones section.
func (d TxfData) Tombstones() []Tombstone {
	raw, ok := d[KeyTombstones].([]any)
	if !ok {
		return nil
	}
	out := make([]Tombstone, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		ts := Tombstone{Timestamp: int64(asUint64(m["timestamp"]))}
		ts.TokenID, _ = m["tokenId"].(string)
		ts.StateHash, _ = m["stateHash"].(string)
		out = append(out, ts)
	}
	return out
}

// Clone deep-copies the document so staged writes and merges never alias
// caller-owned maps.
func (d TxfData) Clone() TxfData {
	if d == nil {
		return nil
	}
	return deepCopyMap(d)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case TxfData:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// asUint64 folds the JSON encodings of an unsigned counter (float64, string,
// json.Number or native ints) into a uint64. Values above 2^53 arrive as
// decimal strings.
func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// idOfEntry pulls the dedup key out of a list entry for the named field.
func idOfEntry(e any, field string) (string, bool) {
	m, ok := e.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m[field].(string)
	return id, ok
}
