// Package queue implements the priority-ordered job queue and
// status-indexed state store described by the core's data model: a
// thread-safe priority heap with per-item cancellation tokens, plus a
// side-table of rejected duplicate enqueues.
package queue

import (
	"container/heap"
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bookdl/corepipeline/internal/models"
)

// entry is the queue's internal record for one book. Priority and
// Sequence live both here (for heap ordering) and mirrored onto
// book.Priority (for API consumers that only see the BookInfo view).
type entry struct {
	book      models.BookInfo
	Priority  int
	Sequence  uint64
	status    models.QueueStatus
	cancel    *CancelToken
	heapIndex int
}

// Store is the thread-safe priority queue and status index. A single
// mutex guards the heap, status index and duplicate table; wake is
// closed and replaced on every state change that could make GetNext
// productive, giving GetNext/WaitForItem broadcast-with-timeout
// semantics without a sync.Cond (which can't be combined with
// context cancellation or a bounded wait cleanly).
type Store struct {
	mu         sync.Mutex
	wake       chan struct{}
	heap       entryHeap
	byID       map[string]*entry
	duplicates map[string]models.DuplicateEntry
	seq        uint64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		wake:       make(chan struct{}),
		heap:       entryHeap{},
		byID:       make(map[string]*entry),
		duplicates: make(map[string]models.DuplicateEntry),
	}
}

func (s *Store) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Add inserts a new QUEUED entry with a fresh cancellation token and a
// monotonically increasing sequence number. Behavior is undefined if
// bookID already exists — callers must run duplicate detection first.
func (s *Store) Add(bookID string, info models.BookInfo, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	info.ID = bookID
	info.Priority = priority
	e := &entry{
		book:     info,
		Priority: priority,
		Sequence: s.seq,
		status:   models.StatusQueued,
		cancel:   NewCancelToken(),
	}
	s.byID[bookID] = e
	heap.Push(&s.heap, e)
	s.notifyLocked()
}

// GetNext pops the highest-priority QUEUED entry (priority asc,
// sequence asc). Already-cancelled entries are discarded (transitioned
// to CANCELLED) and the pop retries. If block is true, waits up to
// timeout for an item to appear; otherwise returns immediately.
func (s *Store) GetNext(ctx context.Context, block bool, timeout time.Duration) (string, *CancelToken, bool) {
	var deadline time.Time
	haveDeadline := false

	for {
		s.mu.Lock()
		for s.heap.Len() > 0 {
			e := heap.Pop(&s.heap).(*entry)
			if e.cancel.Signaled() {
				e.status = models.StatusCancelled
				continue
			}
			s.mu.Unlock()
			return e.book.ID, e.cancel, true
		}
		waitCh := s.wake
		s.mu.Unlock()

		if !block {
			return "", nil, false
		}
		if !haveDeadline {
			deadline = time.Now().Add(timeout)
			haveDeadline = true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			return "", nil, false
		case <-ctx.Done():
			timer.Stop()
			return "", nil, false
		}
	}
}

// WaitForItem blocks up to timeout on the same wake signal used by
// GetNext, for callers (the coordinator's dispatch loop) that want to
// sleep until something changed without popping a job themselves.
func (s *Store) WaitForItem(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	waitCh := s.wake
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// UpdateStatus mutates the entry's status. No-op if absent.
func (s *Store) UpdateStatus(bookID string, status models.QueueStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[bookID]; ok {
		e.status = status
		s.notifyLocked()
	}
}

// UpdateDownloadPath records the final published path for an entry.
func (s *Store) UpdateDownloadPath(bookID string, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[bookID]; ok {
		p := path
		e.book.DownloadPath = &p
	}
}

// UpdateProgress records the last reported download percentage.
func (s *Store) UpdateProgress(bookID string, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[bookID]; ok {
		p := percent
		e.book.Progress = &p
	}
}

// CancelDownload signals the entry's cancellation token. If the entry
// is QUEUED, its status becomes CANCELLED immediately; if DOWNLOADING,
// status is left for the worker to settle once it observes the token.
// Returns whether a matching entry existed.
func (s *Store) CancelDownload(bookID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[bookID]
	if !ok {
		return false
	}
	e.cancel.Signal()
	if e.status == models.StatusQueued {
		e.status = models.StatusCancelled
	}
	s.notifyLocked()
	return true
}

// SetPriority updates the priority of a QUEUED entry and re-heapifies.
// No-op (returns false) for entries that are absent or not QUEUED.
func (s *Store) SetPriority(bookID string, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[bookID]
	if !ok || e.status != models.StatusQueued {
		return false
	}
	e.Priority = priority
	e.book.Priority = priority
	heap.Fix(&s.heap, e.heapIndex)
	return true
}

// ReorderQueue bulk-updates priorities of QUEUED entries named in
// priorities, re-heapifying once. Entries not currently QUEUED (or not
// named in the map) are left untouched — deliberately a silent no-op,
// matching the behavior this store has always had.
func (s *Store) ReorderQueue(priorities map[string]int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, e := range s.heap {
		if e.status != models.StatusQueued {
			continue
		}
		if p, ok := priorities[e.book.ID]; ok {
			e.Priority = p
			e.book.Priority = p
			changed = true
		}
	}
	if changed {
		heap.Init(&s.heap)
	}
	return true
}

// GetStatus returns a status-indexed snapshot of all known books,
// performing the AVAILABLE->DONE rewrite for entries whose recorded
// download path no longer exists on disk.
func (s *Store) GetStatus() map[models.QueueStatus]map[string]*models.BookInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[models.QueueStatus]map[string]*models.BookInfo, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		result[st] = make(map[string]*models.BookInfo)
	}

	for id, e := range s.byID {
		if e.status == models.StatusAvailable && e.book.DownloadPath != nil {
			if _, err := os.Stat(*e.book.DownloadPath); os.IsNotExist(err) {
				e.book.DownloadPath = nil
				e.status = models.StatusDone
			}
		}
		result[e.status][id] = e.book.Clone()
	}
	return result
}

// GetStatusFor returns the current status of a single book.
func (s *Store) GetStatusFor(bookID string) (models.QueueStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[bookID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// GetBook returns a snapshot of the stored BookInfo for bookID.
func (s *Store) GetBook(bookID string) (*models.BookInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[bookID]
	if !ok {
		return nil, false
	}
	return e.book.Clone(), true
}

// GetActiveDownloads lists book IDs currently in DOWNLOADING status.
func (s *Store) GetActiveDownloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []string
	for id, e := range s.byID {
		if e.status == models.StatusDownloading {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}

// GetQueueOrder returns the current QUEUED entries in dispatch order.
func (s *Store) GetQueueOrder() []models.QueueOrderItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.QueueOrderItem, 0, len(s.heap))
	for _, e := range s.heap {
		if e.status != models.StatusQueued {
			continue
		}
		items = append(items, models.QueueOrderItem{
			ID:       e.book.ID,
			Title:    e.book.Title,
			Author:   e.book.Author,
			Priority: e.Priority,
			Sequence: e.Sequence,
			Status:   e.status,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].Sequence < items[j].Sequence
	})
	return items
}

// ClearCompleted removes all terminal-state entries from the index,
// returning the count removed.
func (s *Store) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, e := range s.byID {
		if e.status.IsTerminal() {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

// RecordDuplicate stores a rejected-enqueue snapshot keyed by book ID,
// replacing any prior entry for the same book.
func (s *Store) RecordDuplicate(d models.DuplicateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates[d.BookID] = d
}

// ResolveDuplicate removes and returns the recorded duplicate entry for
// bookID, if any.
func (s *Store) ResolveDuplicate(bookID string) (models.DuplicateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duplicates[bookID]
	if ok {
		delete(s.duplicates, bookID)
	}
	return d, ok
}

// ListDuplicates returns all recorded duplicate entries, sorted by book
// ID for stable output.
func (s *Store) ListDuplicates() []models.DuplicateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DuplicateEntry, 0, len(s.duplicates))
	for _, d := range s.duplicates {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out
}
