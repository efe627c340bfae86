package ingest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

type reviewRecord struct {
	Reviewed  bool   `json:"reviewed"`
	Timestamp string `json:"timestamp"`
}

// ReviewStore persists which duplicate groups a user has already
// dismissed, keyed by group ID ("stem:<key>" or "hash:<key>"), as a
// single pretty-printed JSON file. A mutex owned by the store
// serializes access since the file itself has no locking; two stores
// opened on the same path do not share it.
type ReviewStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewReviewStore returns a store backed by the JSON file at path.
func NewReviewStore(path string, logger *zap.Logger) *ReviewStore {
	return &ReviewStore{path: path, logger: logger}
}

func (r *ReviewStore) loadLocked() map[string]reviewRecord {
	state := map[string]reviewRecord{}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Warn("failed to parse duplicate review state", zap.Error(err))
		return map[string]reviewRecord{}
	}
	return state
}

func (r *ReviewStore) saveLocked(state map[string]reviewRecord) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Warn("failed to create duplicate review state directory", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		r.logger.Warn("failed to encode duplicate review state", zap.Error(err))
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		r.logger.Warn("failed to write duplicate review state", zap.Error(err))
	}
}

// Get reports whether groupID has been marked reviewed, and the
// timestamp it was reviewed at (empty if never reviewed).
func (r *ReviewStore) Get(groupID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.loadLocked()[groupID]
	if !ok || !rec.Reviewed {
		return "", false
	}
	return rec.Timestamp, true
}

// SetReviewed marks groupID reviewed (stamping the current time) or
// clears its entry entirely when reviewed is false.
func (r *ReviewStore) SetReviewed(groupID string, reviewed bool) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.loadLocked()
	if reviewed {
		state[groupID] = reviewRecord{Reviewed: true, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	} else {
		delete(state, groupID)
	}
	r.saveLocked(state)
	return nil
}
