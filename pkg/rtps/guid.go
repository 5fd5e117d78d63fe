package rtps

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// GuidPrefix scopes all entities of one participant.
type GuidPrefix [12]byte

var GuidPrefixUnknown GuidPrefix

func (p GuidPrefix) String() string {
	return hex.EncodeToString(p[:])
}

// EntityKind is the tag byte of an EntityId.
type EntityKind uint8

const (
	EntityKindUserUnknown       EntityKind = 0x00
	EntityKindUserWriterWithKey EntityKind = 0x02
	EntityKindUserWriterNoKey   EntityKind = 0x03
	EntityKindUserReaderNoKey   EntityKind = 0x04
	EntityKindUserReaderWithKey EntityKind = 0x07
	EntityKindUserWriterGroup   EntityKind = 0x08
	EntityKindUserReaderGroup   EntityKind = 0x09

	EntityKindBuiltinUnknown       EntityKind = 0xc0
	EntityKindBuiltinParticipant   EntityKind = 0xc1
	EntityKindBuiltinWriterWithKey EntityKind = 0xc2
	EntityKindBuiltinWriterNoKey   EntityKind = 0xc3
	EntityKindBuiltinReaderNoKey   EntityKind = 0xc4
	EntityKindBuiltinReaderWithKey EntityKind = 0xc7
	EntityKindBuiltinWriterGroup   EntityKind = 0xc8
	EntityKindBuiltinReaderGroup   EntityKind = 0xc9

	EntityKindVendorUnknown       EntityKind = 0x80
	EntityKindVendorWriterWithKey EntityKind = 0x82
	EntityKindVendorWriterNoKey   EntityKind = 0x83
	EntityKindVendorReaderNoKey   EntityKind = 0x84
	EntityKindVendorReaderWithKey EntityKind = 0x87
	EntityKindVendorWriterGroup   EntityKind = 0x88
	EntityKindVendorReaderGroup   EntityKind = 0x89
)

// IsWriter reports whether the kind tags a writer endpoint.
func (k EntityKind) IsWriter() bool {
	switch k & 0x3f {
	case 0x02, 0x03:
		return true
	}
	return false
}

// IsReader reports whether the kind tags a reader endpoint.
func (k EntityKind) IsReader() bool {
	switch k & 0x3f {
	case 0x04, 0x07:
		return true
	}
	return false
}

// EntityId identifies an entity within a participant: a 3-byte key plus a kind tag.
type EntityId struct {
	Key  [3]byte
	Kind EntityKind
}

func NewEntityId(key uint32, kind EntityKind) EntityId {
	return EntityId{Key: [3]byte{byte(key >> 16), byte(key >> 8), byte(key)}, Kind: kind}
}

var (
	EntityIdUnknown     = EntityId{}
	EntityIdParticipant = EntityId{Key: [3]byte{0, 0, 1}, Kind: EntityKindBuiltinParticipant}

	EntityIdSPDPBuiltinParticipantAnnouncer   = EntityId{Key: [3]byte{0, 1, 0}, Kind: EntityKindBuiltinWriterWithKey}
	EntityIdSPDPBuiltinParticipantDetector    = EntityId{Key: [3]byte{0, 1, 0}, Kind: EntityKindBuiltinReaderWithKey}
	EntityIdSEDPBuiltinPublicationsAnnouncer  = EntityId{Key: [3]byte{0, 0, 3}, Kind: EntityKindBuiltinWriterWithKey}
	EntityIdSEDPBuiltinPublicationsDetector   = EntityId{Key: [3]byte{0, 0, 3}, Kind: EntityKindBuiltinReaderWithKey}
	EntityIdSEDPBuiltinSubscriptionsAnnouncer = EntityId{Key: [3]byte{0, 0, 4}, Kind: EntityKindBuiltinWriterWithKey}
	EntityIdSEDPBuiltinSubscriptionsDetector  = EntityId{Key: [3]byte{0, 0, 4}, Kind: EntityKindBuiltinReaderWithKey}
	EntityIdSEDPBuiltinTopicsAnnouncer        = EntityId{Key: [3]byte{0, 0, 2}, Kind: EntityKindBuiltinWriterWithKey}
	EntityIdSEDPBuiltinTopicsDetector         = EntityId{Key: [3]byte{0, 0, 2}, Kind: EntityKindBuiltinReaderWithKey}
	EntityIdSEDPBuiltinMessageWriter          = EntityId{Key: [3]byte{0, 2, 0}, Kind: EntityKindBuiltinWriterWithKey}
	EntityIdSEDPBuiltinMessageReader          = EntityId{Key: [3]byte{0, 2, 0}, Kind: EntityKindBuiltinReaderWithKey}
)

func (e EntityId) String() string {
	return fmt.Sprintf("%02x%02x%02x.%02x", e.Key[0], e.Key[1], e.Key[2], byte(e.Kind))
}

// Guid is the globally unique identity of an entity.
type Guid struct {
	Prefix   GuidPrefix
	EntityId EntityId
}

var GuidUnknown Guid

func (g Guid) IsUnknown() bool { return g == GuidUnknown }

// Compare orders guids by prefix, entity key and kind.
func (g Guid) Compare(o Guid) int {
	if c := bytes.Compare(g.Prefix[:], o.Prefix[:]); c != 0 {
		return c
	}
	if c := bytes.Compare(g.EntityId.Key[:], o.EntityId.Key[:]); c != 0 {
		return c
	}
	switch {
	case g.EntityId.Kind < o.EntityId.Kind:
		return -1
	case g.EntityId.Kind > o.EntityId.Kind:
		return 1
	}
	return 0
}

func (g Guid) String() string {
	return g.Prefix.String() + "|" + g.EntityId.String()
}

// ParseGuid is the inverse of Guid.String.
func ParseGuid(s string) (Guid, error) {
	var g Guid
	if len(s) != 24+1+6+1+2 || s[24] != '|' || s[31] != '.' {
		return g, fmt.Errorf("malformed guid %q", s)
	}
	if _, err := hex.Decode(g.Prefix[:], []byte(s[:24])); err != nil {
		return g, fmt.Errorf("malformed guid prefix %q: %w", s, err)
	}
	if _, err := hex.Decode(g.EntityId.Key[:], []byte(s[25:31])); err != nil {
		return g, fmt.Errorf("malformed entity key %q: %w", s, err)
	}
	var kind [1]byte
	if _, err := hex.Decode(kind[:], []byte(s[32:])); err != nil {
		return g, fmt.Errorf("malformed entity kind %q: %w", s, err)
	}
	g.EntityId.Kind = EntityKind(kind[0])
	return g, nil
}

// ProtocolVersion of the RTPS wire protocol.
type ProtocolVersion struct {
	Major, Minor uint8
}

var (
	ProtocolVersion2_4     = ProtocolVersion{2, 4}
	ProtocolVersion2_5     = ProtocolVersion{2, 5}
	ProtocolVersionCurrent = ProtocolVersion2_5
)

type VendorId [2]byte

var VendorIdUnknown VendorId

// VendorIdZephyr marks prefixes generated by this implementation.
var VendorIdZephyr = VendorId{0x01, 0x7a}
