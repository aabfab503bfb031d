package kv

import (
	"fmt"
	"log"

	"github.com/cockroachdb/pebble"
)

// Pebble stores keys in a Pebble database on disk. Used in production so
// chat caches and the feed snapshot survive restarts.
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store at %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key string) (string, bool) {
	value, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if err != pebble.ErrNotFound {
			log.Printf("kv: get %s failed: %v", key, err)
		}
		return "", false
	}
	defer closer.Close()
	return string(value), true
}

func (p *Pebble) Set(key, value string) error {
	if err := p.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) List(prefix string) []string {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		log.Printf("kv: list %s failed: %v", prefix, err)
		return nil
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil when no such bound exists (all 0xff).
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
