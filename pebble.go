package corvid

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ============================================================================
// Pebble KV Backend
// ============================================================================

// PebbleKV is a KV backend over an embedded Pebble database, giving the
// outbox durable storage across process restarts.
type PebbleKV struct {
	db   *pebble.DB
	path string
	log  *zap.Logger
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, log *zap.Logger) (*PebbleKV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return &PebbleKV{db: db, path: path, log: log}, nil
}

func (p *PebbleKV) Get(key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleKV) Set(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleKV) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleKV) Keys(prefix string) ([]string, error) {
	lower := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func (p *PebbleKV) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.log.Info("pebble_closed", zap.String("path", p.path))
	return err
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil when the prefix is all 0xff.
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
