package rtps

// ChangeForReaderStatusKind is the writer-side view of one change relative
// to one matched reader. It is always derived, never stored.
type ChangeForReaderStatusKind uint8

const (
	StatusUnsent ChangeForReaderStatusKind = iota
	StatusUnacknowledged
	StatusRequested
	StatusAcknowledged
	StatusUnderway
)

func (k ChangeForReaderStatusKind) String() string {
	switch k {
	case StatusUnsent:
		return "unsent"
	case StatusUnacknowledged:
		return "unacknowledged"
	case StatusRequested:
		return "requested"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusUnderway:
		return "underway"
	}
	return "invalid"
}

// ChangeFromWriterStatusKind is the reader-side view of one sequence number
// relative to one matched writer.
type ChangeFromWriterStatusKind uint8

const (
	StatusUnknown ChangeFromWriterStatusKind = iota
	StatusMissing
	StatusReceived
	StatusNotAvailableFiltered
	StatusNotAvailableRemoved
	StatusNotAvailableUnspecified
)

// NotAvailable groups the three not-available sub-kinds.
func (k ChangeFromWriterStatusKind) NotAvailable() bool {
	return k >= StatusNotAvailableFiltered
}

func (k ChangeFromWriterStatusKind) String() string {
	switch k {
	case StatusUnknown:
		return "unknown"
	case StatusMissing:
		return "missing"
	case StatusReceived:
		return "received"
	case StatusNotAvailableFiltered:
		return "not_available_filtered"
	case StatusNotAvailableRemoved:
		return "not_available_removed"
	case StatusNotAvailableUnspecified:
		return "not_available_unspecified"
	}
	return "invalid"
}
