package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/model"
)

var (
	// Bucket names
	bucketCosts       = []byte("function_costs")
	bucketCostHistory = []byte("function_cost_history")
)

// BoltCostStore implements CostStore using bbolt. The latest document of a
// key lives in one bucket; every version is also kept in a history bucket
// ordered by LastUpdate for as-of loads.
type BoltCostStore struct {
	logger *zap.Logger
	db     *bolt.DB
}

// NewBoltCostStore opens (or creates) the bbolt database at dbPath
func NewBoltCostStore(logger *zap.Logger, dbPath string) (*BoltCostStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCosts, bucketCostHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltCostStore{
		logger: logger.Named("bolt-cost-store"),
		db:     db,
	}, nil
}

// Load implements CostStore.Load
func (s *BoltCostStore) Load(ctx context.Context, configuration, functionID string, asOf *time.Time) (*model.FunctionCostDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc model.FunctionCostDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		if asOf == nil {
			data := tx.Bucket(bucketCosts).Get(costKey(configuration, functionID))
			if data == nil {
				return ErrNotFound
			}
			return json.Unmarshal(data, &doc)
		}

		prefix := historyPrefix(configuration, functionID)
		c := tx.Bucket(bucketCostHistory).Cursor()

		// Position on the last key at or before asOf
		k, v := c.Seek(historyKey(prefix, asOf.UnixNano()+1, 0))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		return json.Unmarshal(v, &doc)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load function cost: %w", err)
	}
	return &doc, nil
}

// Store implements CostStore.Store
func (s *BoltCostStore) Store(ctx context.Context, doc *model.FunctionCostDocument) (*model.FunctionCostDocument, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := *doc
	stored.Version = uuid.New().String()

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal function cost: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCosts).Put(costKey(stored.Configuration, stored.FunctionID), data); err != nil {
			return err
		}

		history := tx.Bucket(bucketCostHistory)
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		key := historyKey(historyPrefix(stored.Configuration, stored.FunctionID), stored.LastUpdate.UnixNano(), seq)
		return history.Put(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store function cost: %w", err)
	}
	return &stored, nil
}

// Close closes the database
func (s *BoltCostStore) Close() error {
	return s.db.Close()
}

func costKey(configuration, functionID string) []byte {
	return []byte(configuration + "\x00" + functionID)
}

func historyPrefix(configuration, functionID string) []byte {
	return []byte(configuration + "\x00" + functionID + "\x00")
}

func historyKey(prefix []byte, lastUpdate int64, seq uint64) []byte {
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(lastUpdate))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}
