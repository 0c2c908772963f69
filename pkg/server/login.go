package server

import (
	"crypto/md5"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/aeolun/voxelgate/pkg/cipher"
	"github.com/aeolun/voxelgate/pkg/database"
	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

// offlineUUID derives the name-based (version 3) UUID offline servers
// assign: the MD5 of "OfflinePlayer:<name>" with version and variant set.
func offlineUUID(name string) string {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = sum[6]&0x0f | 0x30
	sum[8] = sum[8]&0x3f | 0x80
	return uuid.UUID(sum).String()
}

// UUID returns the player's UUID once login has completed.
func (c *Connection) UUID() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.uuid
}

func handleLoginStart(c *Connection, msg *protocol.LoginStartMessage) error {
	if c.username != "" {
		return fmt.Errorf("%w: second login start", ErrState)
	}
	c.username = msg.Username

	if c.protocolVersion != protocol.ProtocolVersion {
		reason := "Outdated server! I'm still on " + protocol.GameVersion
		if c.protocolVersion < protocol.ProtocolVersion {
			reason = "Outdated client! Please use " + protocol.GameVersion
		}
		c.Kick(reason, fmt.Errorf("%w: protocol version %d", ErrState, c.protocolVersion))
		return nil
	}
	if !usernameRegex.MatchString(msg.Username) {
		c.Kick("Invalid username", fmt.Errorf("%w: username %q", ErrViolation, msg.Username))
		return nil
	}

	if !c.srv.config.OnlineMode {
		return c.finishLogin(msg.Username, offlineUUID(msg.Username))
	}
	token, err := cipher.NewToken()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCipher, err)
	}
	c.verifyToken = token
	return c.Send(&protocol.EncryptionRequestMessage{
		ServerID:    "",
		PublicKey:   c.srv.keys.PublicDER(),
		VerifyToken: token,
	})
}

// handleEncryptionResponse installs the session cipher. The inbound side
// switches before the reader takes the next byte; the outbound side
// switches at the marker, so LoginSuccess and everything after it is
// encrypted.
func handleEncryptionResponse(c *Connection, msg *protocol.EncryptionResponseMessage) error {
	if c.verifyToken == nil || c.inCipher != nil {
		return fmt.Errorf("%w: unexpected encryption response", ErrState)
	}
	secret, err := c.srv.keys.DecryptSecret(msg.SharedSecret)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCipher, err)
	}
	if err := c.srv.keys.VerifyToken(c.verifyToken, msg.VerifyToken); err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	c.verifyToken = nil

	sess, err := cipher.NewSession(secret)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCipher, err)
	}
	c.inCipher = sess
	if err := c.out.push(outItem{cipher: sess}, false); err != nil {
		if errors.Is(err, errQueueClosed) {
			return nil
		}
		return err
	}
	// profile lookups against an authentication service are out of scope,
	// online mode only adds the encrypted channel
	return c.finishLogin(c.username, offlineUUID(c.username))
}

// finishLogin moves the connection to Play and queues the join sequence.
// The final position frame is sent by the streaming pass once the home
// chunk has been delivered.
func (c *Connection) finishLogin(name, id string) error {
	srv := c.srv
	if err := srv.conns.Claim(c, name, srv.config.MaxPlayers); err != nil {
		if errors.Is(err, errNameTaken) {
			c.Kick("You are already logged in", fmt.Errorf("%w: %s is already online", ErrAuth, name))
		} else {
			c.Disconnect(err)
		}
		return nil
	}
	if c.loginTimer != nil {
		c.loginTimer.Stop()
	}
	c.infoMu.Lock()
	c.name = name
	c.uuid = id
	c.infoMu.Unlock()

	if err := c.Send(&protocol.LoginSuccessMessage{UUID: id, Username: name}); err != nil {
		return err
	}
	c.setState(protocol.StatePlay)

	spawn, err := srv.world.Spawn(srv.ctx)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	c.player.GameMode = srv.config.GameMode
	x, y, z := float64(spawn.X)+0.5, float64(spawn.Y), float64(spawn.Z)+0.5
	profile, err := srv.players.LoadPlayer(id)
	switch {
	case err == nil && profile.World == srv.world.Name && finite(profile.X, profile.Y, profile.Z):
		x, y, z = profile.X, profile.Y, profile.Z
		c.player.Yaw, c.player.Pitch = profile.Yaw, profile.Pitch
		c.player.GameMode = profile.GameMode
	case err != nil && !errors.Is(err, database.ErrPlayerNotFound):
		c.log.Warn("failed to load profile", logger.Err(err))
	}

	if srv.db != nil {
		if c.dbSession, err = srv.db.CreateSession(id, name, c.remoteAddr, c.transport); err != nil {
			c.log.Warn("failed to record session", logger.Err(err))
		}
	}

	levelType := "default"
	if srv.config.Generator == "flat" {
		levelType = "flat"
	}
	_ = c.Send(&protocol.JoinGameMessage{
		EntityID:   int32(c.ID),
		GameMode:   c.player.GameMode,
		Dimension:  srv.world.Dimension,
		Difficulty: 1,
		MaxPlayers: uint8(min(srv.config.MaxPlayers, 255)),
		LevelType:  levelType,
	})
	_ = c.Send(&protocol.SpawnPositionMessage{X: spawn.X, Y: spawn.Y, Z: spawn.Z})
	c.sendInventory()
	_ = c.Send(&protocol.HeldItemSetMessage{Slot: int8(c.player.HeldSlot)})

	c.setPosition(x, y, z)
	st := c.stream
	st.mu.Lock()
	st.world = srv.world.ID
	st.current = world.ChunkAtFloat(x, z)
	st.joinPending = true
	st.needChunks = true
	st.mu.Unlock()

	c.joined.Store(true)
	srv.announce(name+" joined the game", "yellow")
	c.log.Info("player joined",
		logger.F("uuid", id),
		logger.F("x", x), logger.F("y", y), logger.F("z", z))
	return nil
}

// announce broadcasts a system line to every player.
func (s *Server) announce(text, color string) {
	p, err := protocol.Marshal(&protocol.ServerChatMessage{JSON: chatJSON(text, color)})
	if err != nil {
		return
	}
	s.conns.Broadcast(p, 0)
}

// playerLeft persists the profile and closes the session record. It runs
// after the connection's handlers have drained.
func (s *Server) playerLeft(c *Connection, cause error) {
	name := c.Name()
	x, y, z := c.Position()
	profile := &database.Player{
		UUID:     c.UUID(),
		Name:     name,
		World:    s.world.Name,
		X:        x,
		Y:        y,
		Z:        z,
		Yaw:      c.player.Yaw,
		Pitch:    c.player.Pitch,
		GameMode: c.player.GameMode,
	}
	if err := s.players.SavePlayer(profile); err != nil {
		c.log.Error("failed to save profile", logger.Err(err))
	}
	if s.db != nil && c.dbSession != 0 {
		if err := s.db.EndSession(c.dbSession, errorClass(cause)); err != nil {
			c.log.Warn("failed to close session record", logger.Err(err))
		}
	}
	s.announce(name+" left the game", "yellow")
	c.log.Info("player left", logger.F("reason", errorClass(cause)))
}
