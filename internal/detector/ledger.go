package detector

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Ledger remembers which episodes were already notified, so that an agent
// restarted mid-episode does not notify again.
type Ledger interface {
	Seen(episode string) (bool, error)
	Record(episode string, at time.Time) error
	Close() error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	episodes map[string]time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{episodes: make(map[string]time.Time)}
}

func (l *MemoryLedger) Seen(episode string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.episodes[episode]
	return ok, nil
}

func (l *MemoryLedger) Record(episode string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.episodes[episode] = at
	return nil
}

func (l *MemoryLedger) Close() error { return nil }

var bucketEpisodes = []byte("episodes")

// BoltLedger persists notified episodes in a bbolt file.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens or creates the ledger file at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEpisodes); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketEpisodes, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Seen(episode string) (bool, error) {
	var seen bool
	err := l.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketEpisodes).Get([]byte(episode)) != nil
		return nil
	})
	return seen, err
}

func (l *BoltLedger) Record(episode string, at time.Time) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEpisodes).Put([]byte(episode), []byte(at.UTC().Format(time.RFC3339)))
	})
}

// Prune removes episodes recorded before cutoff and returns how many were
// removed.
func (l *BoltLedger) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEpisodes)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			at, err := time.Parse(time.RFC3339, string(v))
			if err != nil || at.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Close closes the ledger file.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}
