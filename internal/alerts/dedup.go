// Package alerts suppresses repeat alerts and validates the inbound alert
// webhook.
package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Fingerprint identifies "the same problem". Cause is part of the identity so
// different failure modes under one alert name are tracked separately.
type Fingerprint struct {
	AlertName string `json:"alertName"`
	Cause     string `json:"cause,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// Hash is stable across processes.
func (f Fingerprint) Hash() string {
	sum := sha256.Sum256([]byte(f.AlertName + "\x00" + f.Cause + "\x00" + f.Agent))
	return hex.EncodeToString(sum[:])
}

type Entry struct {
	Fingerprint
	Hash        string    `json:"hash"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastFiredAt time.Time `json:"lastFiredAt"`
	Count       int       `json:"count"`
}

type Decision struct {
	Fire  bool   `json:"fire"`
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

// Deduplicator decides whether an alert should reach a human. Entries idle
// for longer than the stale threshold are removed by a background sweep.
type Deduplicator struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	window     time.Duration
	staleAfter time.Duration
	Now        func() time.Time

	done   chan struct{}
	closed bool
}

// NewDeduplicator starts the garbage collector when gcInterval is positive.
func NewDeduplicator(window, staleAfter, gcInterval time.Duration) *Deduplicator {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	d := &Deduplicator{
		entries:    map[string]*Entry{},
		window:     window,
		staleAfter: staleAfter,
		Now:        time.Now,
		done:       make(chan struct{}),
	}
	if gcInterval > 0 {
		go d.gcLoop(gcInterval)
	}
	return d
}

// ShouldFire records an occurrence of fp and reports whether it should be
// forwarded. A repeat inside the window is suppressed and does not extend it.
func (d *Deduplicator) ShouldFire(fp Fingerprint) Decision {
	hash := fp.Hash()
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.Now()
	e, ok := d.entries[hash]
	if !ok {
		d.entries[hash] = &Entry{Fingerprint: fp, Hash: hash, FirstSeenAt: now, LastFiredAt: now, Count: 1}
		return Decision{Fire: true, Hash: hash, Count: 1}
	}
	if now.Sub(e.LastFiredAt) < d.window {
		return Decision{Hash: hash, Count: e.Count}
	}
	e.LastFiredAt = now
	e.Count++
	return Decision{Fire: true, Hash: hash, Count: e.Count}
}

// GC evicts entries whose last fire is older than the stale threshold and
// returns how many were removed.
func (d *Deduplicator) GC() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.Now()
	removed := 0
	for hash, e := range d.entries {
		if now.Sub(e.LastFiredAt) > d.staleAfter {
			delete(d.entries, hash)
			removed++
		}
	}
	return removed
}

// Entries returns a snapshot ordered by last fire, newest first.
func (d *Deduplicator) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFiredAt.After(out[j].LastFiredAt) })
	return out
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Deduplicator) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.GC()
		case <-d.done:
			return
		}
	}
}

// Close stops the garbage collector. It is safe to call more than once.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		close(d.done)
		d.closed = true
	}
}
