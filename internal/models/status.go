package models

// QueueStatus is the closed set of states a queue entry can occupy.
type QueueStatus string

const (
	StatusQueued      QueueStatus = "queued"
	StatusDownloading QueueStatus = "downloading"
	StatusAvailable   QueueStatus = "available"
	StatusDone        QueueStatus = "done"
	StatusError       QueueStatus = "error"
	StatusCancelled   QueueStatus = "cancelled"
)

// AllStatuses lists every QueueStatus in a fixed, stable order — used
// wherever a status-indexed snapshot must enumerate every bucket even
// when it is empty.
var AllStatuses = []QueueStatus{
	StatusQueued,
	StatusDownloading,
	StatusAvailable,
	StatusDone,
	StatusError,
	StatusCancelled,
}

// IsTerminal reports whether a status marks a finished job. The only
// transition out of a terminal status is AVAILABLE -> DONE, made when
// the published file has disappeared.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusAvailable, StatusDone, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// QueueOrderItem is a brief, read-only view of a queued entry used for
// GetQueueOrder responses.
type QueueOrderItem struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Author   *string     `json:"author,omitempty"`
	Priority int         `json:"priority"`
	Sequence uint64      `json:"sequence"`
	Status   QueueStatus `json:"status"`
}
