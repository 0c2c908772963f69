// Package database persists player profiles, session history and admin
// actions in SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrPlayerNotFound indicates no profile is stored for the uuid.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrSessionNotFound indicates the session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []struct {
	stmt string
	what string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func configure(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path and applies pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows many readers alongside the single writer
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	if err := configure(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)
	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	// v1: players and sessions
	`
CREATE TABLE IF NOT EXISTS Player (
	uuid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	world TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	z REAL NOT NULL,
	yaw REAL NOT NULL DEFAULT 0,
	pitch REAL NOT NULL DEFAULT 0,
	game_mode INTEGER NOT NULL DEFAULT 0,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_players_name ON Player(name);

CREATE TABLE IF NOT EXISTS Session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	player_uuid TEXT NOT NULL,
	name TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	transport TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_player ON Session(player_uuid);
`,
	// v2: admin audit log
	`
CREATE TABLE IF NOT EXISTS AdminAction (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	admin TEXT NOT NULL,
	action_type TEXT NOT NULL,
	details TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`,
}

// SchemaVersion is the version a fully migrated database reports.
var SchemaVersion = len(migrations)

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	for v := current; v < len(migrations); v++ {
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			v+1, nowMillis()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Player is a stored player profile.
type Player struct {
	UUID      string
	Name      string
	World     string
	X, Y, Z   float64
	Yaw       float32
	Pitch     float32
	GameMode  uint8
	FirstSeen int64
	LastSeen  int64
}

// PlayerStore loads and saves player profiles. Both DB and PlayerCache
// implement it.
type PlayerStore interface {
	LoadPlayer(uuid string) (*Player, error)
	SavePlayer(p *Player) error
}

// Session is one connection's history record.
type Session struct {
	ID             int64
	PlayerUUID     string
	Name           string
	RemoteAddr     string
	Transport      string
	ConnectedAt    int64
	DisconnectedAt *int64
	Reason         *string
}

// AdminAction is one audited console command.
type AdminAction struct {
	ID         int64
	Admin      string
	ActionType string
	Details    string
	CreatedAt  int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// LoadPlayer returns the stored profile for uuid.
func (db *DB) LoadPlayer(uuid string) (*Player, error) {
	p := &Player{}
	err := db.conn.QueryRow(`
		SELECT uuid, name, world, x, y, z, yaw, pitch, game_mode, first_seen, last_seen
		FROM Player
		WHERE uuid = ?
	`, uuid).Scan(
		&p.UUID, &p.Name, &p.World,
		&p.X, &p.Y, &p.Z, &p.Yaw, &p.Pitch,
		&p.GameMode, &p.FirstSeen, &p.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SavePlayer inserts or updates a profile. FirstSeen is kept from the
// existing row.
func (db *DB) SavePlayer(p *Player) error {
	now := nowMillis()
	if p.FirstSeen == 0 {
		p.FirstSeen = now
	}
	if p.LastSeen == 0 {
		p.LastSeen = now
	}
	_, err := db.writeConn.Exec(`
		INSERT INTO Player (uuid, name, world, x, y, z, yaw, pitch, game_mode, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			world = excluded.world,
			x = excluded.x, y = excluded.y, z = excluded.z,
			yaw = excluded.yaw, pitch = excluded.pitch,
			game_mode = excluded.game_mode,
			last_seen = excluded.last_seen
	`, p.UUID, p.Name, p.World, p.X, p.Y, p.Z, p.Yaw, p.Pitch, p.GameMode, p.FirstSeen, p.LastSeen)
	return err
}

// SavePlayers writes a batch of profiles in one transaction.
func (db *DB) SavePlayers(players []*Player) error {
	if len(players) == 0 {
		return nil
	}
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO Player (uuid, name, world, x, y, z, yaw, pitch, game_mode, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			world = excluded.world,
			x = excluded.x, y = excluded.y, z = excluded.z,
			yaw = excluded.yaw, pitch = excluded.pitch,
			game_mode = excluded.game_mode,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := nowMillis()
	for _, p := range players {
		first := p.FirstSeen
		if first == 0 {
			first = now
		}
		last := p.LastSeen
		if last == 0 {
			last = now
		}
		if _, err := stmt.Exec(p.UUID, p.Name, p.World, p.X, p.Y, p.Z, p.Yaw, p.Pitch, p.GameMode, first, last); err != nil {
			tx.Rollback()
			return fmt.Errorf("save %s: %w", p.UUID, err)
		}
	}
	return tx.Commit()
}

// CountPlayers returns the number of stored profiles.
func (db *DB) CountPlayers() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Player`).Scan(&n)
	return n, err
}

// CreateSession records a new connection and returns its id.
func (db *DB) CreateSession(playerUUID, name, remoteAddr, transport string) (int64, error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO Session (player_uuid, name, remote_addr, transport, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`, playerUUID, name, remoteAddr, transport, nowMillis())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// EndSession stamps the disconnect time and reason. Ending a session twice
// keeps the first reason.
func (db *DB) EndSession(sessionID int64, reason string) error {
	result, err := db.writeConn.Exec(`
		UPDATE Session SET disconnected_at = ?, reason = ?
		WHERE id = ? AND disconnected_at IS NULL
	`, nowMillis(), reason, sessionID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := db.sessionExists(sessionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (db *DB) sessionExists(sessionID int64) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Session WHERE id = ?`, sessionID).Scan(&n)
	return n > 0, err
}

// GetSession returns a session by ID
func (db *DB) GetSession(sessionID int64) (*Session, error) {
	s := &Session{}
	var disc sql.NullInt64
	var reason sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, player_uuid, name, remote_addr, transport, connected_at, disconnected_at, reason
		FROM Session
		WHERE id = ?
	`, sessionID).Scan(&s.ID, &s.PlayerUUID, &s.Name, &s.RemoteAddr, &s.Transport, &s.ConnectedAt, &disc, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if disc.Valid {
		s.DisconnectedAt = &disc.Int64
	}
	if reason.Valid {
		s.Reason = &reason.String
	}
	return s, nil
}

// CloseOpenSessions ends every session left open by an unclean shutdown.
func (db *DB) CloseOpenSessions(reason string) (int64, error) {
	result, err := db.writeConn.Exec(`
		UPDATE Session SET disconnected_at = ?, reason = ?
		WHERE disconnected_at IS NULL
	`, nowMillis(), reason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LogAdminAction appends to the audit log.
func (db *DB) LogAdminAction(admin, actionType, details string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO AdminAction (admin, action_type, details, created_at)
		VALUES (?, ?, ?, ?)
	`, admin, actionType, details, nowMillis())
	return err
}

// RecentAdminActions returns the newest audit entries first.
func (db *DB) RecentAdminActions(limit int) ([]*AdminAction, error) {
	rows, err := db.conn.Query(`
		SELECT id, admin, action_type, details, created_at
		FROM AdminAction
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AdminAction
	for rows.Next() {
		a := &AdminAction{}
		if err := rows.Scan(&a.ID, &a.Admin, &a.ActionType, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
