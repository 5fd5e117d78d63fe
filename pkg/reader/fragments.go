package reader

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

type fragmentKey struct {
	writer rtps.Guid
	seq    rtps.SequenceNumber
}

// partial is a sample under reassembly.
type partial struct {
	kind      rtps.ChangeKind
	handle    rtps.InstanceHandle
	inlineQos rtps.ParameterList
	fragSize  int
	data      []byte
	have      []bool
	missing   int
}

// assembler rebuilds fragmented samples. The least recently touched sample
// is dropped once more than the configured number are pending.
type assembler struct {
	pending *lru.Cache[fragmentKey, *partial]
	// maxSample caps the buffer a single sample may reserve.
	maxSample uint32
}

func newAssembler(size int, maxSample uint32) *assembler {
	pending, err := lru.New[fragmentKey, *partial](max(size, 1))
	if err != nil {
		panic(err)
	}
	return &assembler{pending: pending, maxSample: maxSample}
}

// add stores the fragments carried by df and returns the change once every
// fragment arrived.
func (a *assembler) add(df *message.DataFrag) (*rtps.CacheChange, error) {
	if df.FragmentSize == 0 || df.SampleSize == 0 || df.FragmentStart < 1 || df.FragmentsInSubmessage == 0 {
		return nil, fmt.Errorf("%w: datafrag start %d count %d size %d/%d",
			rtps.ErrProtocolViolation, df.FragmentStart, df.FragmentsInSubmessage, df.FragmentSize, df.SampleSize)
	}
	if a.maxSample > 0 && df.SampleSize > a.maxSample {
		return nil, fmt.Errorf("%w: sample of %d bytes exceeds %d", rtps.ErrProtocolViolation, df.SampleSize, a.maxSample)
	}
	fragSize := int(df.FragmentSize)
	total := message.FragmentCount(int(df.SampleSize), fragSize)
	end := int(df.FragmentStart) + int(df.FragmentsInSubmessage) - 1
	if end > total {
		return nil, fmt.Errorf("%w: fragment %d beyond %d", rtps.ErrProtocolViolation, end, total)
	}
	lo := (int(df.FragmentStart) - 1) * fragSize
	hi := min(end*fragSize, int(df.SampleSize))
	if len(df.Payload) != hi-lo {
		return nil, fmt.Errorf("%w: fragment payload of %d bytes, want %d", rtps.ErrProtocolViolation, len(df.Payload), hi-lo)
	}

	key := fragmentKey{writer: df.WriterGUID, seq: df.SequenceNumber}
	p, ok := a.pending.Get(key)
	if ok && (p.fragSize != fragSize || len(p.data) != int(df.SampleSize)) {
		return nil, fmt.Errorf("%w: fragment geometry changed for %d", rtps.ErrProtocolViolation, df.SequenceNumber)
	}
	if !ok {
		p = &partial{
			kind:      df.ChangeKind,
			handle:    df.InstanceHandle,
			inlineQos: df.InlineQos,
			fragSize:  fragSize,
			data:      make([]byte, df.SampleSize),
			have:      make([]bool, total),
			missing:   total,
		}
		a.pending.Add(key, p)
	}
	copy(p.data[lo:hi], df.Payload)
	for i := int(df.FragmentStart) - 1; i < end; i++ {
		if !p.have[i] {
			p.have[i] = true
			p.missing--
		}
	}
	if p.missing > 0 {
		return nil, nil
	}
	a.pending.Remove(key)
	return &rtps.CacheChange{
		Kind:           p.kind,
		WriterGUID:     df.WriterGUID,
		InstanceHandle: p.handle,
		SequenceNumber: df.SequenceNumber,
		Data:           p.data,
		InlineQos:      p.inlineQos,
	}, nil
}

// missing lists the fragments of seq up to last not received yet. A sample
// never seen is missing all of them. Only the rtps.MaxSetBits fragments
// starting at the first missing one are listed, the window one NackFrag
// can carry.
func (a *assembler) missing(writer rtps.Guid, seq rtps.SequenceNumber, last rtps.FragmentNumber) []rtps.FragmentNumber {
	var out []rtps.FragmentNumber
	p, ok := a.pending.Peek(fragmentKey{writer: writer, seq: seq})
	for n := rtps.FragmentNumber(1); n <= last; n++ {
		if len(out) > 0 && uint32(n-out[0]) >= rtps.MaxSetBits {
			break
		}
		if ok && int(n) <= len(p.have) && p.have[n-1] {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (a *assembler) forget(writer rtps.Guid, seq rtps.SequenceNumber) {
	a.pending.Remove(fragmentKey{writer: writer, seq: seq})
}

// forgetRange drops the samples of writer in [first, last] under reassembly.
func (a *assembler) forgetRange(writer rtps.Guid, first, last rtps.SequenceNumber) {
	for _, k := range a.pending.Keys() {
		if k.writer == writer && k.seq >= first && k.seq <= last {
			a.pending.Remove(k)
		}
	}
}

// forgetWriter drops every sample of writer under reassembly.
func (a *assembler) forgetWriter(writer rtps.Guid) {
	for _, k := range a.pending.Keys() {
		if k.writer == writer {
			a.pending.Remove(k)
		}
	}
}

func (a *assembler) count() int { return a.pending.Len() }
