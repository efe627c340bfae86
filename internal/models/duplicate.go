package models

// DuplicateReason explains why an enqueue was rejected as a duplicate.
type DuplicateReason string

const (
	DuplicateReasonQueued      DuplicateReason = "queued"
	DuplicateReasonOnDisk      DuplicateReason = "on_disk"
	DuplicateReasonDownloading DuplicateReason = "downloading"
)

// DuplicateEntry is a snapshot of a rejected enqueue, retained so the
// caller can later force the enqueue or dismiss the duplicate.
type DuplicateEntry struct {
	BookID       string          `json:"book_id"`
	BookInfo     BookInfo        `json:"book_info"`
	IngestPath   string          `json:"ingest_path"`
	Reason       DuplicateReason `json:"reason"`
	ExistingPath *string         `json:"existing_path,omitempty"`
	Status       *QueueStatus    `json:"status,omitempty"`
	Priority     int             `json:"priority"`
}

// DuplicateFile is one file entry inside a duplicate group, as
// discovered by a listing walk over the ingest directory.
type DuplicateFile struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Modified     string `json:"modified"`
	Stem         string `json:"stem"`
	Hash         string `json:"hash"`
	Extension    string `json:"extension"`
}

// DuplicateGroupType distinguishes how members of a DuplicateGroup were
// found to match.
type DuplicateGroupType string

const (
	DuplicateGroupStem DuplicateGroupType = "stem"
	DuplicateGroupHash DuplicateGroupType = "hash"
)

// DuplicateGroup is a set of >= 2 files in the ingest directory sharing
// either a sanitized stem or a SHA-256 hash.
type DuplicateGroup struct {
	ID         string             `json:"id"`
	Type       DuplicateGroupType `json:"type"`
	Key        string             `json:"key"`
	Files      []DuplicateFile    `json:"files"`
	Reviewed   bool               `json:"reviewed"`
	ReviewedAt *string            `json:"reviewed_at,omitempty"`
}
