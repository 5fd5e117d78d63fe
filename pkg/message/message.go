// Package message defines the decoded submessages exchanged between writers
// and readers. The transport collaborator decodes wire bytes into these
// structures and encodes Outbound requests; the protocol engine never parses
// raw bytes.
package message

import (
	"fmt"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// SubmessageKind carries the RTPS submessage ids.
type SubmessageKind uint8

const (
	KindPad             SubmessageKind = 0x01
	KindAckNack         SubmessageKind = 0x06
	KindHeartbeat       SubmessageKind = 0x07
	KindGap             SubmessageKind = 0x08
	KindInfoTimestamp   SubmessageKind = 0x09
	KindInfoSource      SubmessageKind = 0x0c
	KindInfoReplyIP4    SubmessageKind = 0x0d
	KindInfoDestination SubmessageKind = 0x0e
	KindInfoReply       SubmessageKind = 0x0f
	KindNackFrag        SubmessageKind = 0x12
	KindHeartbeatFrag   SubmessageKind = 0x13
	KindData            SubmessageKind = 0x15
	KindDataFrag        SubmessageKind = 0x16
)

func (k SubmessageKind) String() string {
	switch k {
	case KindAckNack:
		return "acknack"
	case KindHeartbeat:
		return "heartbeat"
	case KindGap:
		return "gap"
	case KindNackFrag:
		return "nackfrag"
	case KindHeartbeatFrag:
		return "heartbeatfrag"
	case KindData:
		return "data"
	case KindDataFrag:
		return "datafrag"
	}
	return fmt.Sprintf("submessage(0x%02x)", uint8(k))
}

type Submessage interface {
	Kind() SubmessageKind
}

// Data carries one change. ReaderGUID is GuidUnknown when the change is
// addressed to every matched reader.
type Data struct {
	ReaderGUID     rtps.Guid
	WriterGUID     rtps.Guid
	SequenceNumber rtps.SequenceNumber
	ChangeKind     rtps.ChangeKind
	InstanceHandle rtps.InstanceHandle
	InlineQos      rtps.ParameterList
	Payload        []byte
}

// DataFrag carries fragments [FragmentStart, FragmentStart+FragmentsInSubmessage)
// of a change of SampleSize bytes cut into FragmentSize pieces.
type DataFrag struct {
	ReaderGUID            rtps.Guid
	WriterGUID            rtps.Guid
	SequenceNumber        rtps.SequenceNumber
	ChangeKind            rtps.ChangeKind
	InstanceHandle        rtps.InstanceHandle
	InlineQos             rtps.ParameterList
	FragmentStart         rtps.FragmentNumber
	FragmentsInSubmessage uint16
	FragmentSize          uint16
	SampleSize            uint32
	Payload               []byte
}

// Gap declares [GapStart, GapList.Base-1] and the members of GapList as
// irrelevant or no longer available.
type Gap struct {
	ReaderGUID rtps.Guid
	WriterGUID rtps.Guid
	GapStart   rtps.SequenceNumber
	GapList    rtps.SequenceNumberSet
}

// Covers lists every sequence number the gap declares. It enumerates the
// range, so receive paths work on GapStart and GapList instead.
func (g *Gap) Covers() []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	for seq := g.GapStart; seq < g.GapList.Base; seq++ {
		out = append(out, seq)
	}
	return append(out, g.GapList.Set...)
}

func (g *Gap) Validate() error {
	if g.GapStart < 1 {
		return fmt.Errorf("%w: gap start %d", rtps.ErrProtocolViolation, g.GapStart)
	}
	if g.GapList.Base < g.GapStart {
		return fmt.Errorf("%w: gap list base %d below start %d", rtps.ErrProtocolViolation, g.GapList.Base, g.GapStart)
	}
	return g.GapList.Validate()
}

// Heartbeat announces the range [FirstSN, LastSN] the writer still holds.
type Heartbeat struct {
	ReaderGUID rtps.Guid
	WriterGUID rtps.Guid
	FirstSN    rtps.SequenceNumber
	LastSN     rtps.SequenceNumber
	Count      rtps.Count
	// Final tells the reader no response is required.
	Final bool
	// Liveliness asserts the writer without announcing new changes.
	Liveliness bool
}

func (h *Heartbeat) Validate() error {
	if h.FirstSN < 1 || h.LastSN < h.FirstSN-1 {
		return fmt.Errorf("%w: heartbeat range [%d,%d]", rtps.ErrProtocolViolation, h.FirstSN, h.LastSN)
	}
	return nil
}

type HeartbeatFrag struct {
	ReaderGUID      rtps.Guid
	WriterGUID      rtps.Guid
	SequenceNumber  rtps.SequenceNumber
	LastFragmentNum rtps.FragmentNumber
	Count           rtps.Count
}

// AckNack reports the reader's state: every number below ReaderSNState.Base
// is acknowledged, set members are requested, and window members that are
// not set are acknowledged as well.
type AckNack struct {
	ReaderGUID    rtps.Guid
	WriterGUID    rtps.Guid
	ReaderSNState rtps.SequenceNumberSet
	Count         rtps.Count
	Final         bool
}

type NackFrag struct {
	ReaderGUID          rtps.Guid
	WriterGUID          rtps.Guid
	SequenceNumber      rtps.SequenceNumber
	FragmentNumberState rtps.FragmentNumberSet
	Count               rtps.Count
}

func (*Data) Kind() SubmessageKind          { return KindData }
func (*DataFrag) Kind() SubmessageKind      { return KindDataFrag }
func (*Gap) Kind() SubmessageKind           { return KindGap }
func (*Heartbeat) Kind() SubmessageKind     { return KindHeartbeat }
func (*HeartbeatFrag) Kind() SubmessageKind { return KindHeartbeatFrag }
func (*AckNack) Kind() SubmessageKind       { return KindAckNack }
func (*NackFrag) Kind() SubmessageKind      { return KindNackFrag }

// Envelope is one decoded inbound message.
type Envelope struct {
	Source rtps.GuidPrefix
	// ReplyTo holds the locators the sender can be answered at.
	ReplyTo     []rtps.Locator
	Submessages []Submessage
}

// Outbound asks the transport to deliver submessages to every destination.
type Outbound struct {
	Destinations []rtps.Locator
	Submessages  []Submessage
}
