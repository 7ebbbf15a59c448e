package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/internal/consts"
	"prism-board/ordering"
)

// storeIfCurrent writes the snapshot only while the project's generation is
// still the one read before loading it from the base store.
var storeIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or ''
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Cache wraps a Store with Redis-backed caching of board snapshots. Every
// project a transaction touches is evicted once the transaction commits, and
// its generation is bumped so a read that started earlier cannot put the
// old snapshot back.
type Cache struct {
	base   ordering.Store
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base ordering.Store, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

// InTx implements ordering.Store.
func (c *Cache) InTx(ctx context.Context, fn func(tx ordering.Tx) error) error {
	var touched []string
	err := c.base.InTx(ctx, func(tx ordering.Tx) error {
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	c.evict(context.WithoutCancel(ctx), touched...)
	return nil
}

// Board implements ordering.Store.
func (c *Cache) Board(ctx context.Context, projectID string) (domain.Board, error) {
	if b, ok := c.loadBoard(ctx, projectID); ok {
		return b, nil
	}
	gen, genOK := c.generation(ctx, projectID)
	b, err := c.base.Board(ctx, projectID)
	if err != nil {
		return domain.Board{}, err
	}
	if genOK {
		c.storeBoard(ctx, projectID, gen, b)
	}
	return b, nil
}

// ProjectRole implements ordering.Store. Roles are not cached.
func (c *Cache) ProjectRole(ctx context.Context, projectID, userID string) (domain.Role, error) {
	return c.base.ProjectRole(ctx, projectID, userID)
}

func (c *Cache) loadBoard(ctx context.Context, projectID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	key := boardCacheKey(projectID)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("project", projectID).Warn("board cache read failed")
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		c.logger.WithError(err).WithField("project", projectID).Warn("dropping undecodable board cache entry")
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.logger.WithError(err).WithField("project", projectID).Warn("board cache delete failed")
		}
		return domain.Board{}, false
	}
	return b, true
}

// generation returns the project's cache generation. An unset generation is
// the empty string.
func (c *Cache) generation(ctx context.Context, projectID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, boardGenKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		c.logger.WithError(err).WithField("project", projectID).Warn("board cache generation read failed")
		return "", false
	}
	return gen, true
}

func (c *Cache) storeBoard(ctx context.Context, projectID, gen string, b domain.Board) {
	data, err := sonic.Marshal(b)
	if err != nil {
		c.logger.WithError(err).WithField("project", projectID).Warn("board cache encode failed")
		return
	}
	keys := []string{boardGenKey(projectID), boardCacheKey(projectID)}
	stored, err := storeIfCurrent.Run(ctx, c.redis, keys, gen, data, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.WithError(err).WithField("project", projectID).Warn("board cache write failed")
		return
	}
	if stored == 0 {
		c.logger.WithField("project", projectID).Debug("board changed while loading, not cached")
	}
}

func (c *Cache) evict(ctx context.Context, projectIDs ...string) {
	if c.redis == nil || len(projectIDs) == 0 {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range projectIDs {
			pipe.Incr(ctx, boardGenKey(id))
			pipe.Del(ctx, boardCacheKey(id))
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("projects", projectIDs).Warn("board cache eviction failed")
	}
}

func boardCacheKey(projectID string) string {
	return consts.BoardKeyPrefix + projectID
}

func boardGenKey(projectID string) string {
	return consts.BoardGenKeyPrefix + projectID
}

// trackingTx records the projects a transaction writes to. Every mutation
// locks or inserts its project first, so those two calls are enough.
type trackingTx struct {
	ordering.Tx
	touched *[]string
}

func (t *trackingTx) LockProject(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := t.Tx.LockProject(ctx, projectID)
	if err == nil {
		*t.touched = append(*t.touched, projectID)
	}
	return p, err
}

func (t *trackingTx) InsertProject(ctx context.Context, p domain.Project) error {
	if err := t.Tx.InsertProject(ctx, p); err != nil {
		return err
	}
	*t.touched = append(*t.touched, p.ID)
	return nil
}
