package rtps

import (
	"encoding/hex"
	"fmt"
)

type ChangeKind uint8

const (
	ChangeKindAlive ChangeKind = iota
	ChangeKindAliveFiltered
	ChangeKindNotAliveDisposed
	ChangeKindNotAliveUnregistered
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeKindAlive:
		return "alive"
	case ChangeKindAliveFiltered:
		return "alive_filtered"
	case ChangeKindNotAliveDisposed:
		return "disposed"
	case ChangeKindNotAliveUnregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// InstanceHandle identifies a data-object (the key hash of a keyed topic).
type InstanceHandle [16]byte

var InstanceHandleNil InstanceHandle

func (h InstanceHandle) String() string { return hex.EncodeToString(h[:]) }

// Parameter is one inline QoS entry.
type Parameter struct {
	ID    uint16
	Value []byte
}

type ParameterList []Parameter

// Well-known inline QoS parameter ids.
const (
	PIDKeyHash    uint16 = 0x0070
	PIDStatusInfo uint16 = 0x0071
)

// ChangeID is the identity of a CacheChange.
type ChangeID struct {
	Writer Guid
	Seq    SequenceNumber
}

func (id ChangeID) String() string {
	return fmt.Sprintf("%s#%d", id.Writer, id.Seq)
}

// CacheChange is one mutation of a data-object. It is never modified after
// being created; share it by pointer.
type CacheChange struct {
	Kind           ChangeKind
	WriterGUID     Guid
	InstanceHandle InstanceHandle
	SequenceNumber SequenceNumber
	Data           []byte
	InlineQos      ParameterList
}

func (c *CacheChange) ID() ChangeID {
	return ChangeID{Writer: c.WriterGUID, Seq: c.SequenceNumber}
}
