package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// BadgerConfig holds configuration for the embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore persists campaigns in an embedded BadgerDB.
//
// Key layout:
//
//	campaigns/<campaign>                      index entry
//	campaign/<campaign>/node/<node>           JSON GraphNode
//	campaign/<campaign>/exec/<node>/<attempt> JSON TaskExecution
//
// IDs are path-escaped so they never contain the separator.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// OpenBadger opens a BadgerDB with cfg and starts value log GC if configured.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
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
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: cfg.Logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func campaignIndexKey(campaignID string) []byte {
	return []byte("campaigns/" + url.PathEscape(campaignID))
}

func nodePrefix(campaignID string) []byte {
	return []byte("campaign/" + url.PathEscape(campaignID) + "/node/")
}

func nodeKey(campaignID, nodeID string) []byte {
	return append(nodePrefix(campaignID), url.PathEscape(nodeID)...)
}

func runKey(campaignID string) []byte {
	return []byte("campaign/" + url.PathEscape(campaignID) + "/run")
}

func execPrefix(campaignID, nodeID string) []byte {
	p := "campaign/" + url.PathEscape(campaignID) + "/exec/"
	if nodeID != "" {
		p += url.PathEscape(nodeID) + "/"
	}
	return []byte(p)
}

func execKey(campaignID, nodeID string, attempt int) []byte {
	return append(execPrefix(campaignID, nodeID), fmt.Sprintf("%06d", attempt)...)
}

func (s *BadgerStore) CreateGraph(_ context.Context, campaignID string, nodes []types.GraphNode) error {
	if err := checkNodes(campaignID, nodes); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(campaignIndexKey(campaignID)); err == nil {
			return fmt.Errorf("%w: %s", ErrCampaignExists, campaignID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(campaignIndexKey(campaignID), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := setJSON(txn, nodeKey(campaignID, n.NodeID), n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetNodes(_ context.Context, campaignID string) ([]types.GraphNode, error) {
	var nodes []types.GraphNode
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, campaignID); err != nil {
			return err
		}
		return scanPrefix(txn, nodePrefix(campaignID), func(val []byte) error {
			var n types.GraphNode
			if err := json.Unmarshal(val, &n); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

func (s *BadgerStore) UpsertNodes(_ context.Context, campaignID string, nodes []types.GraphNode) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, campaignID); err != nil {
			return err
		}
		for _, n := range nodes {
			key := nodeKey(campaignID, n.NodeID)
			if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, campaignID, n.NodeID)
			} else if err != nil {
				return err
			}
			if err := setJSON(txn, key, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) AppendExecution(_ context.Context, exec types.TaskExecution) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, exec.CampaignID); err != nil {
			return err
		}
		if _, err := txn.Get(nodeKey(exec.CampaignID, exec.GraphNodeID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, exec.CampaignID, exec.GraphNodeID)
		} else if err != nil {
			return err
		}

		var last *types.TaskExecution
		err := scanPrefix(txn, execPrefix(exec.CampaignID, exec.GraphNodeID), func(val []byte) error {
			var e types.TaskExecution
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode execution: %w", err)
			}
			last = &e
			return nil
		})
		if err != nil {
			return err
		}
		if err := checkAppend(last, exec); err != nil {
			return err
		}
		return setJSON(txn, execKey(exec.CampaignID, exec.GraphNodeID, exec.AttemptNumber), exec)
	})
}

func (s *BadgerStore) CompleteExecution(_ context.Context, exec types.TaskExecution) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := execKey(exec.CampaignID, exec.GraphNodeID, exec.AttemptNumber)
		var stored *types.TaskExecution
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var e types.TaskExecution
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode execution: %w", err)
			}
			stored = &e
		}
		if err := checkComplete(stored, exec); err != nil {
			return err
		}
		return setJSON(txn, key, exec)
	})
}

func (s *BadgerStore) ListExecutions(_ context.Context, campaignID, nodeID string) ([]types.TaskExecution, error) {
	var execs []types.TaskExecution
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, campaignID); err != nil {
			return err
		}
		return scanPrefix(txn, execPrefix(campaignID, nodeID), func(val []byte) error {
			var e types.TaskExecution
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode execution: %w", err)
			}
			execs = append(execs, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortExecutions(execs)
	return execs, nil
}

func (s *BadgerStore) SaveRun(_ context.Context, run types.RunRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, run.CampaignID); err != nil {
			return err
		}
		return setJSON(txn, runKey(run.CampaignID), run)
	})
}

func (s *BadgerStore) GetRun(_ context.Context, campaignID string) (types.RunRecord, error) {
	var run types.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireCampaign(txn, campaignID); err != nil {
			return err
		}
		item, err := txn.Get(runKey(campaignID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, campaignID)
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &run); err != nil {
				return fmt.Errorf("decode run record: %w", err)
			}
			return nil
		})
	})
	return run, err
}

func (s *BadgerStore) ListCampaigns(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("campaigns/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := url.PathUnescape(string(it.Item().Key()[len(prefix):]))
			if err != nil {
				return fmt.Errorf("decode campaign key: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Close stops garbage collection and closes the database. Safe to call twice.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}

func requireCampaign(txn *badger.Txn, campaignID string) error {
	_, err := txn.Get(campaignIndexKey(campaignID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	return err
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}
