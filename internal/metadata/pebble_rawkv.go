package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

// PebbleKV implements RawKV on Pebble (CockroachDB's LSM engine).
type PebbleKV struct {
	db     *pebble.DB
	logger *logrus.Logger
}

// PebbleOptions contains configuration options for PebbleKV
type PebbleOptions struct {
	DataDir  string
	InMemory bool // used by tests
	Logger   *logrus.Logger
}

// OpenPebbleKV opens a Pebble database under DataDir/metadata
func OpenPebbleKV(opts PebbleOptions) (*PebbleKV, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	pebbleOpts := &pebble.Options{
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	dbPath := filepath.Join(opts.DataDir, "metadata", "pebble")
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		dbPath = ""
	} else if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	opts.Logger.WithField("path", dbPath).Info("Pebble metadata store initialized")
	return &PebbleKV{db: db, logger: opts.Logger}, nil
}

// prefixEnd returns the exclusive upper bound for a prefix scan in Pebble.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// GetRaw reads a single key and returns a safe copy of the value.
func (kv *PebbleKV) GetRaw(ctx context.Context, key string) ([]byte, error) {
	val, closer, err := kv.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// RawBatch applies writes and deletes atomically via a Pebble batch.
func (kv *PebbleKV) RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error {
	batch := kv.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for k, v := range sets {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("batch set %q: %w", k, err)
		}
	}
	for _, k := range deletes {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("batch delete %q: %w", k, err)
		}
	}
	return batch.Commit(pebble.Sync)
}

// RawScan iterates keys with the given prefix.
// fn receives copies; returning false stops the scan.
func (kv *PebbleKV) RawScan(ctx context.Context, prefix string, fn func(key string, val []byte) bool) error {
	lower := []byte(prefix)
	iter, err := kv.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	for valid := iter.First(); valid; valid = iter.Next() {
		keyCopy := string(iter.Key())
		val := iter.Value()
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		if !fn(keyCopy, valCopy) {
			break
		}
	}
	return iter.Error()
}

// Close flushes and closes the database
func (kv *PebbleKV) Close() error {
	return kv.db.Close()
}

type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ RawKV = (*PebbleKV)(nil)
