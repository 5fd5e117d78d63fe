package message

import (
	"slices"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// Fragment cuts payload into pieces of at most size bytes. A non-positive
// size or a payload that already fits yields a single piece.
func Fragment(payload []byte, size int) [][]byte {
	if size <= 0 || len(payload) <= size {
		return [][]byte{payload}
	}
	frags := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		frags = append(frags, payload[off:end])
	}
	return frags
}

// FragmentCount is the number of pieces Fragment produces for sampleSize bytes.
func FragmentCount(sampleSize, size int) int {
	if size <= 0 || sampleSize <= size {
		return 1
	}
	return (sampleSize + size - 1) / size
}

// GapsFor builds the Gap submessages declaring seqs irrelevant. Each Gap
// opens with a contiguous run and carries following members that fit its
// bitmap window; seqs need not be sorted.
func GapsFor(writer, reader rtps.Guid, seqs []rtps.SequenceNumber) []*Gap {
	if len(seqs) == 0 {
		return nil
	}
	sorted := slices.Clone(seqs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var gaps []*Gap
	for i := 0; i < len(sorted); {
		start := sorted[i]
		base := start + 1
		i++
		for i < len(sorted) && sorted[i] == base {
			base++
			i++
		}
		var set []rtps.SequenceNumber
		for i < len(sorted) && sorted[i]-base < rtps.MaxSetBits {
			set = append(set, sorted[i])
			i++
		}
		var numBits uint32
		if len(set) > 0 {
			numBits = uint32(set[len(set)-1]-base) + 1
		}
		gaps = append(gaps, &Gap{
			ReaderGUID: reader,
			WriterGUID: writer,
			GapStart:   start,
			GapList:    rtps.SequenceNumberSet{Base: base, NumBits: numBits, Set: set},
		})
	}
	return gaps
}

// AckNackState builds the reader state for an AckNack: base is the first
// number not yet acknowledged, the window reaches up to last (at most
// MaxSetBits numbers) and requested members inside it are set.
func AckNackState(base, last rtps.SequenceNumber, requested []rtps.SequenceNumber) rtps.SequenceNumberSet {
	var numBits uint32
	if last >= base {
		numBits = uint32(min(last-base+1, rtps.MaxSetBits))
	}
	return rtps.NewSequenceNumberSet(base, numBits, requested...)
}
