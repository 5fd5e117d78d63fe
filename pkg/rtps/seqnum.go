package rtps

import (
	"fmt"
	"math"
	"slices"
)

// SequenceNumber orders the changes of one writer. Numbering starts at 1.
type SequenceNumber int64

const (
	SequenceNumberUnknown SequenceNumber = -1
	SequenceNumberZero    SequenceNumber = 0
	SequenceNumberMax     SequenceNumber = math.MaxInt64
)

// Next returns s+1. Running out of sequence numbers is an invariant
// violation and panics.
func (s SequenceNumber) Next() SequenceNumber {
	if s == SequenceNumberMax {
		panic(fmt.Errorf("%w: after %d", ErrSequenceOverflow, s))
	}
	if s < 0 {
		return 1
	}
	return s + 1
}

// High and Low split the number the way it travels on the wire.
func (s SequenceNumber) High() int32 { return int32(uint64(s) >> 32) }
func (s SequenceNumber) Low() uint32 { return uint32(uint64(s)) }

func SequenceNumberFromParts(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

// MaxSetBits bounds the window of a SequenceNumberSet and a FragmentNumberSet.
const MaxSetBits = 256

// SequenceNumberSet is a window [Base, Base+NumBits) plus the members of the
// window that are set. Set is kept sorted and deduplicated.
type SequenceNumberSet struct {
	Base    SequenceNumber
	NumBits uint32
	Set     []SequenceNumber
}

// NewSequenceNumberSet builds a set with the given window, dropping members
// that fall outside it.
func NewSequenceNumberSet(base SequenceNumber, numBits uint32, members ...SequenceNumber) SequenceNumberSet {
	set := SequenceNumberSet{Base: base, NumBits: numBits}
	for _, m := range members {
		if set.InWindow(m) {
			set.Set = append(set.Set, m)
		}
	}
	slices.Sort(set.Set)
	set.Set = slices.Compact(set.Set)
	return set
}

// Last is the last number covered by the window, Base-1 if the window is empty.
func (s SequenceNumberSet) Last() SequenceNumber {
	return s.Base + SequenceNumber(s.NumBits) - 1
}

func (s SequenceNumberSet) InWindow(seq SequenceNumber) bool {
	return seq >= s.Base && seq <= s.Last()
}

func (s SequenceNumberSet) Contains(seq SequenceNumber) bool {
	_, found := slices.BinarySearch(s.Set, seq)
	return found
}

// Validate checks the invariants a decoded set must satisfy, including the
// ordering Contains relies on.
func (s SequenceNumberSet) Validate() error {
	if s.Base < 1 {
		return fmt.Errorf("%w: set base %d below 1", ErrProtocolViolation, s.Base)
	}
	if s.NumBits > MaxSetBits {
		return fmt.Errorf("%w: set window of %d bits", ErrProtocolViolation, s.NumBits)
	}
	for i, m := range s.Set {
		if !s.InWindow(m) {
			return fmt.Errorf("%w: member %d outside [%d,%d]", ErrProtocolViolation, m, s.Base, s.Last())
		}
		if i > 0 && m <= s.Set[i-1] {
			return fmt.Errorf("%w: members %v not strictly ascending", ErrProtocolViolation, s.Set)
		}
	}
	return nil
}

func (s SequenceNumberSet) String() string {
	return fmt.Sprintf("%d/%d:%v", s.Base, s.NumBits, s.Set)
}

// FragmentNumber numbers the fragments of one change starting at 1.
type FragmentNumber uint32

// FragmentNumberSet mirrors SequenceNumberSet for fragments.
type FragmentNumberSet struct {
	Base    FragmentNumber
	NumBits uint32
	Set     []FragmentNumber
}

func NewFragmentNumberSet(base FragmentNumber, numBits uint32, members ...FragmentNumber) FragmentNumberSet {
	set := FragmentNumberSet{Base: base, NumBits: numBits}
	for _, m := range members {
		if m >= base && uint32(m-base) < numBits {
			set.Set = append(set.Set, m)
		}
	}
	slices.Sort(set.Set)
	set.Set = slices.Compact(set.Set)
	return set
}

func (s FragmentNumberSet) Validate() error {
	if s.Base < 1 {
		return fmt.Errorf("%w: fragment set base %d below 1", ErrProtocolViolation, s.Base)
	}
	if s.NumBits > MaxSetBits {
		return fmt.Errorf("%w: fragment set window of %d bits", ErrProtocolViolation, s.NumBits)
	}
	for i, m := range s.Set {
		if m < s.Base || uint32(m-s.Base) >= s.NumBits {
			return fmt.Errorf("%w: fragment %d outside window", ErrProtocolViolation, m)
		}
		if i > 0 && m <= s.Set[i-1] {
			return fmt.Errorf("%w: fragments %v not strictly ascending", ErrProtocolViolation, s.Set)
		}
	}
	return nil
}

// Count distinguishes successive heartbeats and acknacks of the same endpoint.
type Count int32
