package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// codecVersion guards against peers running an incompatible envelope layout.
const codecVersion uint16 = 1

type wireEnvelope struct {
	Version     uint16
	Source      rtps.GuidPrefix
	ReplyTo     []rtps.Locator
	Submessages []wireSubmessage
}

type wireSubmessage struct {
	Kind message.SubmessageKind
	Body msgpack.RawMessage
}

// Encode serializes env with msgpack. It is a development envelope, not the
// RTPS binary wire format.
func Encode(env message.Envelope) ([]byte, error) {
	w := wireEnvelope{
		Version:     codecVersion,
		Source:      env.Source,
		ReplyTo:     env.ReplyTo,
		Submessages: make([]wireSubmessage, 0, len(env.Submessages)),
	}
	for _, sub := range env.Submessages {
		body, err := msgpack.Marshal(sub)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", sub.Kind(), err)
		}
		w.Submessages = append(w.Submessages, wireSubmessage{Kind: sub.Kind(), Body: body})
	}
	return msgpack.Marshal(&w)
}

// Decode parses a datagram produced by Encode. Submessages of unknown kind
// are skipped.
func Decode(data []byte) (message.Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return message.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if w.Version != codecVersion {
		return message.Envelope{}, fmt.Errorf("%w: envelope version %d", rtps.ErrProtocolViolation, w.Version)
	}
	env := message.Envelope{Source: w.Source, ReplyTo: w.ReplyTo}
	for _, ws := range w.Submessages {
		sub := newSubmessage(ws.Kind)
		if sub == nil {
			continue
		}
		if err := msgpack.Unmarshal(ws.Body, sub); err != nil {
			return message.Envelope{}, fmt.Errorf("decode %s: %w", ws.Kind, err)
		}
		env.Submessages = append(env.Submessages, sub)
	}
	return env, nil
}

func newSubmessage(kind message.SubmessageKind) message.Submessage {
	switch kind {
	case message.KindData:
		return &message.Data{}
	case message.KindDataFrag:
		return &message.DataFrag{}
	case message.KindGap:
		return &message.Gap{}
	case message.KindHeartbeat:
		return &message.Heartbeat{}
	case message.KindHeartbeatFrag:
		return &message.HeartbeatFrag{}
	case message.KindAckNack:
		return &message.AckNack{}
	case message.KindNackFrag:
		return &message.NackFrag{}
	}
	return nil
}
