package database

import (
	"sort"
	"sync"
	"time"

	"github.com/aeolun/voxelgate/pkg/logger"
)

// PlayerCache keeps player profiles in memory and snapshots dirty ones to
// SQLite periodically, so frequent position saves never block a handler on
// the disk.
type PlayerCache struct {
	mu      sync.RWMutex
	players map[string]*Player
	// dirty maps uuid to the save generation not yet written
	dirty map[string]uint64
	gen   uint64

	db               *DB
	log              logger.Logger
	snapshotInterval time.Duration
	// clean entries idle for longer than retain are dropped after a snapshot
	retain   time.Duration
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   sync.Once
}

// NewPlayerCache starts the background snapshot loop. With a nil db the
// cache is the only copy and profiles are lost at exit.
func NewPlayerCache(db *DB, snapshotInterval time.Duration, log logger.Logger) *PlayerCache {
	if log == nil {
		log = logger.Nop()
	}
	c := &PlayerCache{
		players:          make(map[string]*Player),
		dirty:            make(map[string]uint64),
		db:               db,
		log:              log,
		snapshotInterval: snapshotInterval,
		retain:           10 * snapshotInterval,
		shutdown:         make(chan struct{}),
	}
	if db != nil && snapshotInterval > 0 {
		c.wg.Add(1)
		go c.snapshotLoop()
	}
	return c
}

// LoadPlayer returns a copy of the profile, reading through to SQLite.
func (c *PlayerCache) LoadPlayer(uuid string) (*Player, error) {
	c.mu.RLock()
	p, ok := c.players[uuid]
	c.mu.RUnlock()
	if ok {
		cp := *p
		return &cp, nil
	}
	if c.db == nil {
		return nil, ErrPlayerNotFound
	}

	p, err := c.db.LoadPlayer(uuid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	// a concurrent save wins over what we just read
	if cur, ok := c.players[uuid]; ok {
		p = cur
	} else {
		c.players[uuid] = p
	}
	cp := *p
	c.mu.Unlock()
	return &cp, nil
}

// SavePlayer records the profile in memory and marks it for the next
// snapshot.
func (c *PlayerCache) SavePlayer(p *Player) error {
	cp := *p
	now := nowMillis()
	cp.LastSeen = now
	c.mu.Lock()
	if prev, ok := c.players[cp.UUID]; ok && prev.FirstSeen != 0 {
		cp.FirstSeen = prev.FirstSeen
	}
	if cp.FirstSeen == 0 {
		cp.FirstSeen = now
	}
	c.players[cp.UUID] = &cp
	c.gen++
	c.dirty[cp.UUID] = c.gen
	c.mu.Unlock()
	return nil
}

// Dirty reports how many profiles await the next snapshot.
func (c *PlayerCache) Dirty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty)
}

func (c *PlayerCache) snapshotLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Snapshot(); err != nil {
				c.log.Error("player snapshot failed", logger.Err(err))
				continue
			}
			if n := c.evictIdle(); n > 0 {
				c.log.Debug("evicted idle players", logger.F("count", n))
			}
		case <-c.shutdown:
			if err := c.Snapshot(); err != nil {
				c.log.Error("final player snapshot failed", logger.Err(err))
			}
			return
		}
	}
}

// Snapshot writes every dirty profile in one transaction.
func (c *PlayerCache) Snapshot() error {
	if c.db == nil {
		return nil
	}
	start := time.Now()

	c.mu.RLock()
	batch := make([]*Player, 0, len(c.dirty))
	gens := make(map[string]uint64, len(c.dirty))
	for uuid, gen := range c.dirty {
		cp := *c.players[uuid]
		batch = append(batch, &cp)
		gens[uuid] = gen
	}
	c.mu.RUnlock()
	if len(batch) == 0 {
		return nil
	}

	// stable order keeps the write pattern reproducible
	sort.Slice(batch, func(i, j int) bool { return batch[i].UUID < batch[j].UUID })
	if err := c.db.SavePlayers(batch); err != nil {
		return err
	}

	// a profile saved again during the write stays dirty
	c.mu.Lock()
	for uuid, gen := range gens {
		if c.dirty[uuid] == gen {
			delete(c.dirty, uuid)
		}
	}
	c.mu.Unlock()

	c.log.Debug("player snapshot completed",
		logger.F("written", len(batch)),
		logger.F("duration", time.Since(start)))
	return nil
}

func (c *PlayerCache) evictIdle() int {
	cutoff := nowMillis() - c.retain.Milliseconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for uuid, p := range c.players {
		if _, dirty := c.dirty[uuid]; !dirty && p.LastSeen < cutoff {
			delete(c.players, uuid)
			n++
		}
	}
	return n
}

// Close stops the snapshot loop after a final snapshot.
func (c *PlayerCache) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.shutdown)
		c.wg.Wait()
		// without a loop nothing has been written yet
		if c.snapshotInterval <= 0 {
			err = c.Snapshot()
		}
	})
	return err
}
