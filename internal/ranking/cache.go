// Package ranking computes blended relevance scores for catalog items against
// categories, combining text similarity with behavioral popularity signals.
package ranking

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/pkg/models"
)

// DefaultCacheTTL bounds how long a cached score may serve reads before
// falling through to the score store again.
const DefaultCacheTTL = 3600 * time.Second

const scoreKeyPrefix = "score:"

// ScoreCache is a BadgerDB-backed TTL cache for relevance scores. Entries
// expire on their own; writes through the engine also invalidate per item.
type ScoreCache struct {
	db  *badger.DB
	ttl time.Duration
	log zerolog.Logger
}

// CacheConfig holds score cache settings.
type CacheConfig struct {
	// Path is the on-disk location. Ignored when InMemory is set.
	Path string
	// InMemory keeps the cache purely in RAM; used in tests and small setups.
	InMemory bool
	// TTL is the entry lifetime. Zero means DefaultCacheTTL.
	TTL time.Duration
}

// NewScoreCache opens a Badger-backed score cache.
func NewScoreCache(cfg CacheConfig, log zerolog.Logger) (*ScoreCache, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open score cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &ScoreCache{
		db:  db,
		ttl: ttl,
		log: log.With().Str("component", "score-cache").Logger(),
	}, nil
}

// Get returns a cached score if present and unexpired.
func (c *ScoreCache) Get(itemID models.ItemID, categoryID models.CategoryID) (float64, bool) {
	var score float64
	found := false

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scoreKey(itemID, categoryID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseFloat(string(val), 64)
			if perr != nil {
				return perr
			}
			score = parsed
			found = true
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		c.log.Warn().Err(err).Msg("cache read failed")
	}
	return score, found
}

// Set stores a score with the cache TTL.
func (c *ScoreCache) Set(itemID models.ItemID, categoryID models.CategoryID, score float64) {
	err := c.db.Update(func(txn *badger.Txn) error {
		val := strconv.FormatFloat(score, 'f', -1, 64)
		entry := badger.NewEntry(scoreKey(itemID, categoryID), []byte(val)).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("cache write failed")
	}
}

// InvalidateItem drops every cached score for an item across all categories.
func (c *ScoreCache) InvalidateItem(itemID models.ItemID) {
	prefix := []byte(fmt.Sprintf("%s%d:", scoreKeyPrefix, itemID))

	err := c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn().Err(err).Int64("item", int64(itemID)).Msg("cache invalidation failed")
	}
}

// Close releases the underlying Badger database.
func (c *ScoreCache) Close() error {
	return c.db.Close()
}

func scoreKey(itemID models.ItemID, categoryID models.CategoryID) []byte {
	return []byte(fmt.Sprintf("%s%d:%d", scoreKeyPrefix, itemID, categoryID))
}

var _ Cache = (*ScoreCache)(nil)
