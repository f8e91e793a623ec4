package catalog

import (
	"sort"
	"sync"
	"time"

	"github.com/sebas/gbnvr/internal/metrics"
)

// ScanStatus is a snapshot of the scanner's progress.
type ScanStatus struct {
	Scanning     bool
	ScanComplete bool
	FilesCached  int
	LastScanAt   time.Time
}

// Store is the reader-writer guarded catalog and recording index.
// Static channels (configured RTSP feeds) are registered once at
// startup; scanned file channels and recordings are replaced
// atomically when a scan completes. Readers always observe a
// consistent snapshot.
type Store struct {
	mu sync.RWMutex

	static     []Channel
	scanned    []Channel
	recordings []Recording

	maxItems int
	status   ScanStatus
}

// NewStore creates a catalog store capped at maxItems channels.
func NewStore(maxItems int) *Store {
	return &Store{maxItems: maxItems}
}

// AddStatic registers a configured channel. Static channels precede
// scanned ones in the catalog and survive rescans.
func (s *Store) AddStatic(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = append(s.static, ch)
	metrics.CatalogSize.Set(float64(s.lenLocked()))
}

// ReplaceScanned atomically swaps in the result of a completed scan.
func (s *Store) ReplaceScanned(channels []Channel, recordings []Recording) {
	sorted := make([]Recording, len(recordings))
	copy(sorted, recordings)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].Name < sorted[j].Name
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = channels
	s.recordings = sorted
	s.status.ScanComplete = true
	s.status.Scanning = false
	s.status.FilesCached = len(channels)
	s.status.LastScanAt = time.Now()
	metrics.CatalogSize.Set(float64(s.lenLocked()))
}

// SetScanning marks a scan in progress. Readers keep seeing the
// previous catalog until ReplaceScanned.
func (s *Store) SetScanning(scanning bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Scanning = scanning
}

// Channels returns the current catalog snapshot in stable order:
// static channels first, then scanned, capped at maxItems.
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, 0, len(s.static)+len(s.scanned))
	out = append(out, s.static...)
	out = append(out, s.scanned...)
	if s.maxItems > 0 && len(out) > s.maxItems {
		out = out[:s.maxItems]
	}
	return out
}

// Lookup returns the channel with the given ID.
func (s *Store) Lookup(channelID string) (Channel, bool) {
	for _, ch := range s.Channels() {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return Channel{}, false
}

// QueryRecordings returns recordings of channelID whose [Start, End]
// intersects [start, end]. Nil bounds are open-ended. Both bounds are
// inclusive. Results are ordered by ascending start time, name as
// tiebreak (the index is kept in that order).
func (s *Store) QueryRecordings(channelID string, start, end *time.Time) []Recording {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Recording
	for _, r := range s.recordings {
		if channelID != "" && r.ChannelID != channelID {
			continue
		}
		if start != nil && r.End.Before(*start) {
			continue
		}
		if end != nil && r.Start.After(*end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Status returns the current scan status snapshot.
func (s *Store) Status() ScanStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) lenLocked() int {
	n := len(s.static) + len(s.scanned)
	if s.maxItems > 0 && n > s.maxItems {
		n = s.maxItems
	}
	return n
}
