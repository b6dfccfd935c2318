package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerKV implements RawKV on BadgerDB
type BadgerKV struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
	stopCh chan struct{}
}

// BadgerOptions contains configuration options for BadgerKV
type BadgerOptions struct {
	DataDir    string
	InMemory   bool // used by tests
	SyncWrites bool
	Logger     *logrus.Logger
}

// OpenBadgerKV opens a BadgerDB under DataDir/metadata
func OpenBadgerKV(opts BadgerOptions) (*BadgerKV, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(filepath.Join(opts.DataDir, "metadata", "badger")).
			WithSyncWrites(opts.SyncWrites).
			WithNumVersionsToKeep(1)
	}
	badgerOpts = badgerOpts.WithLogger(newBadgerLogger(opts.Logger))

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	kv := &BadgerKV{
		db:     db,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
	}
	kv.ready.Store(true)

	if !opts.InMemory {
		go kv.runGC()
	}

	opts.Logger.WithField("in_memory", opts.InMemory).Info("BadgerDB metadata store initialized")
	return kv, nil
}

// GetRaw retrieves a copy of the value stored under key
func (kv *BadgerKV) GetRaw(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return val, nil
}

// RawBatch applies writes and deletes atomically in a single BadgerDB transaction.
func (kv *BadgerKV) RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return fmt.Errorf("batch set %q: %w", k, err)
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil && err != badger.ErrKeyNotFound {
				return fmt.Errorf("batch delete %q: %w", k, err)
			}
		}
		return nil
	})
}

// RawScan iterates all keys with the given prefix.
// fn receives copies; returning false stops the scan.
func (kv *BadgerKV) RawScan(ctx context.Context, prefix string, fn func(key string, val []byte) bool) error {
	return kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			keyCopy := string(item.KeyCopy(nil))
			valCopy, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(keyCopy, valCopy) {
				break
			}
		}
		return nil
	})
}

// Close stops the GC loop and closes the database
func (kv *BadgerKV) Close() error {
	if kv.ready.CompareAndSwap(true, false) {
		close(kv.stopCh)
	}
	return kv.db.Close()
}

// runGC runs value-log garbage collection periodically
func (kv *BadgerKV) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-kv.stopCh:
			return
		case <-ticker.C:
			err := kv.db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				kv.logger.WithError(err).Warn("Failed to run BadgerDB GC")
			}
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ RawKV = (*BadgerKV)(nil)
