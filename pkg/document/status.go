package document

// Status is the user-visible processing state of a document. Failure is
// expressed purely through status; pipeline internals never surface.
type Status string

const (
	// StatusIngested: specimen stored and registered, pipeline not started.
	StatusIngested Status = "ingested"
	// StatusProcessing: pipeline jobs in flight.
	StatusProcessing Status = "processing"
	// StatusProcessed: every pipeline step succeeded.
	StatusProcessed Status = "processed"
	// StatusPartiallyFailed: some artifacts were produced, some steps
	// permanently failed or were skipped.
	StatusPartiallyFailed Status = "partially_failed"
	// StatusFailed: the pipeline produced no artifacts at all.
	StatusFailed Status = "failed"
	// StatusDeleted: tombstone; retained until the index confirms removal.
	StatusDeleted Status = "deleted"
)

// Terminal reports whether no further pipeline work is pending for a
// document in this status. Reprocessing moves a terminal document back to
// StatusProcessing.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusPartiallyFailed, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIngested, StatusProcessing, StatusProcessed,
		StatusPartiallyFailed, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}
