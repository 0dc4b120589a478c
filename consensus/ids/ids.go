// Package ids defines the semantic identifier types used throughout the
// consensus core: TemplateID, AssetID, TokenID, NodeID, InstructionID and
// ProposalID. All of them are thin string/struct wrappers with total-order
// equality and stable, lexicographically sortable serialization.
package ids

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeID is an opaque 6-byte identifier of a validator process.
type NodeID [6]byte

// RandomNodeID generates a fresh NodeID from a random UUID, discarding the
// extra bytes. This mirrors the way classic UUIDv1 embeds a 48-bit node
// identifier.
func RandomNodeID() NodeID {
	u := uuid.New()
	var n NodeID
	copy(n[:], u[:6])
	return n
}

// ParseNodeID decodes a 12-character hex string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var n NodeID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return n, fmt.Errorf("ids: invalid node id %q: %w", s, err)
	}
	if len(raw) != len(n) {
		return n, fmt.Errorf("ids: node id %q must decode to %d bytes", s, len(n))
	}
	copy(n[:], raw)
	return n, nil
}

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// Equal reports whether two node identifiers are the same.
func (n NodeID) Equal(other NodeID) bool { return n == other }

func (n NodeID) IsZero() bool { return n == NodeID{} }

// Value implements driver.Valuer so NodeID can be stored as a fixed-width
// hex column by gorm without a dedicated byte-array column type.
func (n NodeID) Value() (driver.Value, error) { return n.String(), nil }

// Scan implements sql.Scanner for NodeID.
func (n *NodeID) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*n = NodeID{}
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into NodeID", src)
	}
	parsed, err := ParseNodeID(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// TemplateID identifies a versioned contract family. Equality and hashing
// ignore Beta and Confidential, which are informational flags only.
type TemplateID struct {
	Type         uint32
	Version      uint16
	Beta         bool
	Confidential bool
}

// Key returns the portion of the identifier that participates in equality
// and hashing: template type and version.
func (t TemplateID) Key() [6]byte {
	var k [6]byte
	k[0] = byte(t.Type >> 24)
	k[1] = byte(t.Type >> 16)
	k[2] = byte(t.Type >> 8)
	k[3] = byte(t.Type)
	k[4] = byte(t.Version >> 8)
	k[5] = byte(t.Version)
	return k
}

// Equal compares two TemplateIDs ignoring Beta/Confidential.
func (t TemplateID) Equal(other TemplateID) bool { return t.Key() == other.Key() }

// String renders all four fields (including the informational flags) for
// display and logging.
func (t TemplateID) String() string {
	return fmt.Sprintf("%08x%04x%s%s", t.Type, t.Version, flag(t.Beta, "b"), flag(t.Confidential, "c"))
}

func flag(v bool, tag string) string {
	if v {
		return tag
	}
	return "-"
}

// AssetID is the 64-character composite identifier of a digital asset:
// TemplateID(12) || features(4) || RaidID(15, base58) || '.' || content-hash(32).
type AssetID string

const (
	assetIDTemplateLen = 12
	assetIDFeaturesLen = 4
	assetIDRaidLen     = 15
	assetIDHashLen     = 32
	// AssetIDLength is the full fixed width of a serialized AssetID.
	AssetIDLength = assetIDTemplateLen + assetIDFeaturesLen + assetIDRaidLen + 1 + assetIDHashLen
)

// NewAssetID assembles an AssetID from its constituent parts. raidID must
// already be base58-encoded to exactly 15 characters and contentHash must be
// 16 bytes (32 hex characters).
func NewAssetID(tmpl TemplateID, features [2]byte, raidID string, contentHash [16]byte) (AssetID, error) {
	if len(raidID) != assetIDRaidLen {
		return "", fmt.Errorf("ids: raid id must be %d characters, got %d", assetIDRaidLen, len(raidID))
	}
	templatePart := fmt.Sprintf("%08x%04x", tmpl.Type, tmpl.Version)
	featuresPart := hex.EncodeToString(features[:])
	hashPart := hex.EncodeToString(contentHash[:])
	composite := templatePart + featuresPart + raidID + "." + hashPart
	if len(composite) != AssetIDLength {
		return "", fmt.Errorf("ids: composite asset id has unexpected length %d", len(composite))
	}
	return AssetID(composite), nil
}

// ParseAssetID validates the fixed-width structure of a serialized AssetID.
func ParseAssetID(s string) (AssetID, error) {
	if len(s) != AssetIDLength {
		return "", fmt.Errorf("ids: asset id %q must be %d characters", s, AssetIDLength)
	}
	sep := assetIDTemplateLen + assetIDFeaturesLen + assetIDRaidLen
	if s[sep] != '.' {
		return "", fmt.Errorf("ids: asset id %q missing separator at position %d", s, sep)
	}
	if _, err := hex.DecodeString(s[sep+1:]); err != nil {
		return "", fmt.Errorf("ids: asset id %q has invalid content hash: %w", s, err)
	}
	return AssetID(s), nil
}

func (a AssetID) String() string { return string(a) }

// TokenID is minted under exactly one AssetID; its leading AssetIDLength
// characters are authoritative and must match the owning asset.
type TokenID string

// NewTokenID mints a TokenID under the given asset using a fresh
// time-ordered suffix.
func NewTokenID(asset AssetID, suffix TimeOrderedID) TokenID {
	return TokenID(string(asset) + string(suffix))
}

// Asset returns the AssetID prefix of a TokenID.
func (t TokenID) Asset() (AssetID, error) {
	s := string(t)
	if len(s) < AssetIDLength {
		return "", fmt.Errorf("ids: token id %q shorter than asset id prefix", s)
	}
	return ParseAssetID(s[:AssetIDLength])
}

func (t TokenID) String() string { return string(t) }

// TimeOrderedID is a 32-character hex string: 8 bytes of big-endian
// nanosecond timestamp, 6 bytes of NodeID, 2 bytes of sequence. Because every
// field is fixed-width and big-endian, lexicographic string comparison of two
// IDs agrees with their generation order.
type TimeOrderedID string

func (id TimeOrderedID) String() string { return string(id) }

// InstructionID and ProposalID are both TimeOrderedIDs; the distinct types
// prevent accidentally passing one where the other is expected.
type InstructionID TimeOrderedID
type ProposalID TimeOrderedID

func (id InstructionID) String() string { return string(id) }
func (id ProposalID) String() string    { return string(id) }

// Generator produces strictly monotone, non-blocking, non-repeating
// time-ordered IDs seeded from a NodeID. Safe for concurrent use.
type Generator struct {
	node NodeID
	mu   sync.Mutex
	last uint64
	seq  uint16
}

// NewGenerator constructs a Generator for the given node. The initial
// sequence counter is seeded from a random UUID so that two generators
// restarted within the same nanosecond on the same node do not collide.
func NewGenerator(node NodeID) *Generator {
	seed := uuid.New()
	return &Generator{
		node: node,
		seq:  uint16(seed[0])<<8 | uint16(seed[1]),
	}
}

func (g *Generator) next() TimeOrderedID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixNano())
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	g.seq++

	var raw [16]byte
	for i := 0; i < 8; i++ {
		raw[i] = byte(now >> (56 - 8*i))
	}
	copy(raw[8:14], g.node[:])
	raw[14] = byte(g.seq >> 8)
	raw[15] = byte(g.seq)
	return TimeOrderedID(hex.EncodeToString(raw[:]))
}

// NextInstructionID returns a fresh, monotone InstructionID.
func (g *Generator) NextInstructionID() InstructionID { return InstructionID(g.next()) }

// NextProposalID returns a fresh, monotone ProposalID.
func (g *Generator) NextProposalID() ProposalID { return ProposalID(g.next()) }
