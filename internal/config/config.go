// Package config loads and hot-reloads the node's tunables (spec.md §6),
// watching the backing file with fsnotify the way the teacher's go.mod
// stack (also pulled in by go-ethereum) expects config to be watched.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/request"
)

// Tunables mirrors the JSON-serializable subset of spec.md §6's named
// constants: everything an operator might reasonably want to change without
// a restart.
type Tunables struct {
	HTLMax                 uint8   `json:"htl_max"`
	HTLDecrementProbAtMax  float64 `json:"htl_decrement_prob_at_max"`
	AcceptedTimeoutSec     int     `json:"accepted_timeout_sec"`
	FetchTimeoutSec        int     `json:"fetch_timeout_sec"`
	GetOfferTimeoutSec     int     `json:"get_offer_timeout_sec"`
	RandomReinsertInterval int     `json:"random_reinsert_interval"`
	RejectTimeSec          int     `json:"reject_time_sec"`

	ShallowStoreBytes int `json:"shallow_store_bytes"`
	MaxUnclaimedQueue int `json:"max_unclaimed_queue"`

	CHKPerSecond float64 `json:"chk_per_second"`
	SSKPerSecond float64 `json:"ssk_per_second"`
}

func Default() Tunables {
	d := request.DefaultConfig()
	return Tunables{
		HTLMax:                 d.HTLMax,
		HTLDecrementProbAtMax:  d.HTLDecrementProbAtMax,
		AcceptedTimeoutSec:     int(d.AcceptedTimeout / time.Second),
		FetchTimeoutSec:        int(d.FetchTimeout / time.Second),
		GetOfferTimeoutSec:     int(d.GetOfferTimeout / time.Second),
		RandomReinsertInterval: d.RandomReinsertInterval,
		RejectTimeSec:          int(d.RejectTime / time.Second),
		ShallowStoreBytes:      64 << 20,
		MaxUnclaimedQueue:      4096,
		CHKPerSecond:           50,
		SSKPerSecond:           200,
	}
}

// RequestConfig projects the routing-relevant fields back into a
// request.Config for internal/request's state machines.
func (t Tunables) RequestConfig() request.Config {
	return request.Config{
		HTLMax:                 t.HTLMax,
		HTLDecrementProbAtMax:  t.HTLDecrementProbAtMax,
		AcceptedTimeout:        time.Duration(t.AcceptedTimeoutSec) * time.Second,
		FetchTimeout:           time.Duration(t.FetchTimeoutSec) * time.Second,
		GetOfferTimeout:        time.Duration(t.GetOfferTimeoutSec) * time.Second,
		RandomReinsertInterval: t.RandomReinsertInterval,
		RejectTime:             time.Duration(t.RejectTimeSec) * time.Second,
	}
}

// Loader owns a Tunables value, reloading it from disk whenever the backing
// file changes.
type Loader struct {
	mu   sync.RWMutex
	cur  Tunables
	path string

	watcher *fsnotify.Watcher
}

// NewLoader reads path once synchronously, then starts watching it for
// further changes. If path does not exist, the Default() value is used and
// no watcher is attached (a fresh node with no config file yet is a normal
// starting state, not an error).
func NewLoader(path string) (*Loader, error) {
	l := &Loader{cur: Default(), path: path}
	if _, err := os.Stat(path); err != nil {
		return l, nil
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	l.watcher = w
	go l.watch()
	return l, nil
}

func (l *Loader) watch() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				log.Warn("config: reload failed, keeping previous tunables", "path", l.path, "err", err)
			} else {
				log.Info("config: reloaded", "path", l.path)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config: watcher error", "err", err)
		}
	}
}

func (l *Loader) reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", l.path, err)
	}
	var t Tunables
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("config: parsing %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.cur = t
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Tunables snapshot.
func (l *Loader) Current() Tunables {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
