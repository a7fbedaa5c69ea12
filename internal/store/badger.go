package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	run/<id>                       RunRecord
//	fp/<fingerprint>/<run id>      index for item history
//	round/<run id>/<round:06d>     RoundRecord
//	research/<fingerprint>         researchEntry
//	ckpt/<run id>                  latest CheckpointRecord
//	feedback/<run id>/<nano>-<seq> FeedbackRecord
const (
	prefixRun      = "run/"
	prefixFP       = "fp/"
	prefixRound    = "round/"
	prefixResearch = "research/"
	prefixCkpt     = "ckpt/"
	prefixFeedback = "feedback/"
)

// BadgerConfig configures the embedded Badger store.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a config for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Badger is a Store backed by an embedded Badger database.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	doneGC chan struct{}
	seq    atomic.Uint64
	now    func() time.Time
}

// OpenBadger opens or creates the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{db: db, logger: logger, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.doneGC = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC error", zap.Error(err))
			}
		}
	}
}

// Close stops GC and closes the database.
func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.doneGC
	}
	return b.db.Close()
}

func putJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scan calls fn for every value under prefix, in key order or reversed.
func scan(txn *badger.Txn, prefix string, reverse bool, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append(seek, 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		var more bool
		err := item.Value(func(val []byte) error {
			var ferr error
			more, ferr = fn(item.KeyCopy(nil), val)
			return ferr
		})
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func roundKey(runID string, round int) string {
	return fmt.Sprintf("%s%s/%06d", prefixRound, runID, round)
}

func (b *Badger) SaveRound(_ context.Context, runID string, round int, rec RoundRecord) error {
	rec.Round = round
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = b.now()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, roundKey(runID, round), rec)
	})
}

func (b *Badger) latestRound(txn *badger.Txn, runID string) (*RoundRecord, error) {
	var rec *RoundRecord
	err := scan(txn, prefixRound+runID+"/", true, func(_, val []byte) (bool, error) {
		var r RoundRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return false, err
		}
		rec = &r
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (b *Badger) LoadPreviousItems(_ context.Context, fingerprint string, limit int) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		var runs []RunRecord
		prefix := prefixFP + fingerprint + "/"
		err := scan(txn, prefix, false, func(key, _ []byte) (bool, error) {
			var run RunRecord
			if err := getJSON(txn, prefixRun+string(key[len(prefix):]), &run); err == nil {
				runs = append(runs, run)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		out, err = keptItems(runs, func(runID string) (*RoundRecord, error) {
			return b.latestRound(txn, runID)
		}, limit)
		return err
	})
	return out, err
}

func (b *Badger) GetCachedResearch(_ context.Context, fingerprint string, ttl time.Duration) (string, bool, error) {
	var e researchEntry
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixResearch+fingerprint, &e)
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if ttl > 0 && b.now().Sub(e.CreatedAt) > ttl {
		return "", false, nil
	}
	return e.Summary, true, nil
}

func (b *Badger) SaveResearch(_ context.Context, fingerprint, summary string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixResearch+fingerprint, researchEntry{Summary: summary, CreatedAt: b.now()})
	})
}

func (b *Badger) CreateRun(_ context.Context, rec RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = b.now()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, prefixRun+rec.ID, rec); err != nil {
			return err
		}
		return txn.Set([]byte(prefixFP+rec.Fingerprint+"/"+rec.ID), nil)
	})
}

func (b *Badger) FinishRun(_ context.Context, runID, status, outcome, errMsg string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var rec RunRecord
		if err := getJSON(txn, prefixRun+runID, &rec); err != nil {
			return err
		}
		now := b.now()
		rec.Status, rec.Outcome, rec.Error, rec.FinishedAt = status, outcome, errMsg, &now
		return putJSON(txn, prefixRun+runID, rec)
	})
}

func (b *Badger) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixRun+runID, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Badger) ListRuns(_ context.Context, callerID string, offset, limit int) ([]RunRecord, int, error) {
	var all []RunRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixRun, false, func(_, val []byte) (bool, error) {
			var rec RunRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, err
			}
			if callerID == "" || rec.CallerID == callerID {
				all = append(all, rec)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, offset, limit), len(all), nil
}

func (b *Badger) SaveCheckpoint(_ context.Context, rec CheckpointRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixCkpt+rec.RunID, rec)
	})
}

func (b *Badger) LoadCheckpoint(_ context.Context, runID string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixCkpt+runID, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Badger) SaveFeedback(_ context.Context, runID string, rec FeedbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = b.now()
	}
	key := fmt.Sprintf("%s%s/%020d-%06d", prefixFeedback, runID, rec.CreatedAt.UnixNano(), b.seq.Add(1))
	return b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, rec)
	})
}

func (b *Badger) ListFeedback(_ context.Context, runID string) ([]FeedbackRecord, error) {
	var out []FeedbackRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixFeedback+runID+"/", false, func(_, val []byte) (bool, error) {
			var rec FeedbackRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, err
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}
