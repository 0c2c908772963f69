package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "players.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPlayerRoundTrip(t *testing.T) {
	db := openTestDB(t)

	_, err := db.LoadPlayer("missing")
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	p := &Player{UUID: "u1", Name: "alice", World: "world", X: 1.5, Y: 70, Z: -3.25, Yaw: 90, GameMode: 1}
	require.NoError(t, db.SavePlayer(p))

	got, err := db.LoadPlayer("u1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Z, got.Z)
	assert.Equal(t, p.Yaw, got.Yaw)
	assert.Equal(t, uint8(1), got.GameMode)

	first := got.FirstSeen
	got.X = 100
	got.FirstSeen = first + 1000
	require.NoError(t, db.SavePlayer(got))

	again, err := db.LoadPlayer("u1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.X)
	assert.Equal(t, first, again.FirstSeen, "first_seen is never overwritten")

	n, err := db.CountPlayers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession("u1", "alice", "127.0.0.1:5000", "tcp")
	require.NoError(t, err)

	require.NoError(t, db.EndSession(id, "quit"))
	require.NoError(t, db.EndSession(id, "ping timeout"))

	s, err := db.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, s.Reason)
	assert.Equal(t, "quit", *s.Reason)
	assert.NotNil(t, s.DisconnectedAt)

	assert.ErrorIs(t, db.EndSession(id+100, "x"), ErrSessionNotFound)
	_, err = db.GetSession(id + 100)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseOpenSessions(t *testing.T) {
	db := openTestDB(t)
	a, _ := db.CreateSession("u1", "alice", "a", "tcp")
	b, _ := db.CreateSession("u2", "bob", "b", "websocket")
	require.NoError(t, db.EndSession(a, "quit"))

	n, err := db.CloseOpenSessions("server restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	s, err := db.GetSession(b)
	require.NoError(t, err)
	assert.Equal(t, "server restart", *s.Reason)
}

func TestAdminActions(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.LogAdminAction("ops", "kick", "alice"))
	require.NoError(t, db.LogAdminAction("ops", "say", "hello"))

	actions, err := db.RecentAdminActions(10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "say", actions[0].ActionType)
	assert.Equal(t, "kick", actions[1].ActionType)
}

func TestPlayerCacheSnapshots(t *testing.T) {
	db := openTestDB(t)
	c := NewPlayerCache(db, time.Hour, nil)

	require.NoError(t, c.SavePlayer(&Player{UUID: "u1", Name: "alice", World: "world", Y: 64}))
	assert.Equal(t, 1, c.Dirty())

	// nothing reaches SQLite until a snapshot
	_, err := db.LoadPlayer("u1")
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	p, err := c.LoadPlayer("u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	p.Name = "mutated"
	p2, _ := c.LoadPlayer("u1")
	assert.Equal(t, "alice", p2.Name, "callers get copies")

	require.NoError(t, c.Snapshot())
	assert.Equal(t, 0, c.Dirty())
	stored, err := db.LoadPlayer("u1")
	require.NoError(t, err)
	assert.Equal(t, 64.0, stored.Y)
}

func TestPlayerCacheFlushesOnClose(t *testing.T) {
	db := openTestDB(t)
	c := NewPlayerCache(db, time.Hour, nil)
	require.NoError(t, c.SavePlayer(&Player{UUID: "u2", Name: "bob", World: "world"}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := db.LoadPlayer("u2")
	assert.NoError(t, err)
}

func TestPlayerCacheReadsThrough(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SavePlayer(&Player{UUID: "u3", Name: "carol", World: "world"}))

	c := NewPlayerCache(db, time.Hour, nil)
	defer c.Close()
	p, err := c.LoadPlayer("u3")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Name)
	assert.Equal(t, 0, c.Dirty())

	_, err = c.LoadPlayer("nobody")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}
