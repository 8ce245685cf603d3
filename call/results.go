package call

import (
	"sync"
	"time"

	"github.com/mrsingh-rishi/callbridge/transcript"
)

// Poll statuses.
const (
	StatusUnknown    = "unknown"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// EndReason records which terminal state the bridge reached.
type EndReason string

const (
	EndGoodbye    EndReason = "goodbye"
	EndPeerClosed EndReason = "peer_closed"
	EndError      EndReason = "error"
)

// Record is the immutable outcome of a finished call.
type Record struct {
	CallID         string             `json:"call_id"`
	Status         string             `json:"status"`
	EndReason      EndReason          `json:"end_reason"`
	Transcript     []transcript.Entry `json:"transcript"`
	TranscriptText string             `json:"transcript_text"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        time.Time          `json:"ended_at"`
}

func (r Record) clone() Record {
	r.Transcript = append([]transcript.Entry(nil), r.Transcript...)
	return r
}

// Results stores finished calls. Each call id is written once.
type Results struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewResults() *Results {
	return &Results{records: make(map[string]Record)}
}

// Put stores the record for rec.CallID. It reports false, leaving the first
// record untouched, if one already exists.
func (s *Results) Put(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CallID]; ok {
		return false
	}
	s.records[rec.CallID] = rec.clone()
	return true
}

func (s *Results) Get(callID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Lookup is the poll surface: a finished record, in_progress while the call is
// registered, or unknown.
type Lookup struct {
	registry *Registry
	results  *Results
}

func NewLookup(registry *Registry, results *Results) *Lookup {
	return &Lookup{registry: registry, results: results}
}

// Result reports the current best knowledge about callID without blocking.
// The record is only meaningful when the status is completed.
func (l *Lookup) Result(callID string) (string, Record) {
	if rec, ok := l.results.Get(callID); ok {
		return rec.Status, rec
	}
	if l.registry.Contains(callID) {
		return StatusInProgress, Record{}
	}
	// The bridge writes the record before deleting the registry entry, so a
	// call that finished between the two checks is found here.
	if rec, ok := l.results.Get(callID); ok {
		return rec.Status, rec
	}
	return StatusUnknown, Record{}
}
