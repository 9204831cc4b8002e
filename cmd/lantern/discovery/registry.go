package discovery

import (
	"sort"
	"sync"
	"time"
)

// PeerRecord describes one peer currently visible on the LAN.
type PeerRecord struct {
	Host        string
	Port        uint16
	DisplayName string
	LastSeen    time.Time
}

// Registry is the process-wide table of known peers, keyed by source
// address. It is owned by the discovery loops; consumers only ever see
// copies from Snapshot.
type Registry struct {
	staleAfter time.Duration

	mu    sync.Mutex
	peers map[string]PeerRecord
}

// NewRegistry returns a registry that considers a peer stale once no beacon
// has refreshed it for staleAfter.
func NewRegistry(staleAfter time.Duration) *Registry {
	return &Registry{
		staleAfter: staleAfter,
		peers:      make(map[string]PeerRecord),
	}
}

// Upsert creates or refreshes the record for host.
func (r *Registry) Upsert(host string, port uint16, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[host] = PeerRecord{
		Host:        host,
		Port:        port,
		DisplayName: displayName,
		LastSeen:    time.Now(),
	}
}

// Snapshot returns the live peers sorted by display name then address.
func (r *Registry) Snapshot() []PeerRecord {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) <= r.staleAfter {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Sweep evicts records whose LastSeen has aged past the staleness window
// and returns how many were removed. It runs on a timer so peers that go
// silent disappear even when no new beacons arrive.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for host, p := range r.peers {
		if now.Sub(p.LastSeen) > r.staleAfter {
			delete(r.peers, host)
			evicted++
		}
	}
	return evicted
}
