// Package client is a headless game client for voxelgate servers. It speaks
// the same protocol 5 stream as a real game client over TCP or WebSocket and
// is what the load tester drives.
package client

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/voxelgate/pkg/cipher"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/wsconn"
)

const eyeHeight = 1.62

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out waiting for server")
)

// RefusedError carries the reason the server gave for ending a login or a
// session.
type RefusedError struct {
	Reason string
}

func (e *RefusedError) Error() string {
	return "disconnected by server: " + e.Reason
}

// Joined is what the client learned from the join sequence.
type Joined struct {
	UUID     string
	Username string
	Join     protocol.JoinGameMessage
	Spawn    protocol.SpawnPositionMessage
	Position protocol.PositionLookMessage
	Chunks   int // non-empty columns delivered before the position frame
}

// Connection represents a client connection to the server
type Connection struct {
	addr           string // "host:port" for TCP, "ws://host:port/ws" for WebSocket
	conn           net.Conn
	mu             sync.RWMutex
	connected      bool
	connectionType string // "tcp" or "websocket"
	timeout        time.Duration

	incoming chan *protocol.Packet
	readDone chan struct{}
	readErr  error

	// state is the protocol state the read loop decodes under.
	state  atomic.Uint32
	secret []byte

	writeMu sync.Mutex
	writer  io.Writer
	enc     *cipher.Session

	// Traffic counters (bytes on the wire)
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsReceived atomic.Uint64

	logger *log.Logger

	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a new client connection
func NewConnection(addr string) *Connection {
	return &Connection{
		addr:     addr,
		timeout:  5 * time.Second,
		incoming: make(chan *protocol.Packet, 1024),
		readDone: make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetTimeout bounds dialing and every wait for a server frame.
func (c *Connection) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the read loop.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logf("Connecting to %s...", c.addr)
	var conn net.Conn
	var err error
	connType := "tcp"
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		connType = "websocket"
		conn, err = wsconn.Dial(c.addr, c.timeout)
	} else {
		conn, err = net.DialTimeout("tcp", c.addr, c.timeout)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	// The server only asks for encryption in online mode, but the secret
	// has to exist before the read loop can see the request.
	c.secret = make([]byte, cipher.SecretSize)
	if _, err := rand.Read(c.secret); err != nil {
		conn.Close()
		return fmt.Errorf("failed to generate shared secret: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.connectionType = connType
	c.writer = &countingWriter{w: conn, counter: &c.bytesSent}
	c.logf("Connected to %s (%s)", c.addr, connType)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// readLoop decodes frames until the stream ends. It switches to decryption
// itself on the encryption request because the server encrypts every byte
// after that frame.
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	br := bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	var dec *cipher.Session
	for {
		p, err := readPacket(br, dec)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.packetsReceived.Add(1)

		switch protocol.State(c.state.Load()) {
		case protocol.StateLogin:
			switch p.ID {
			case protocol.TypeEncryptionRequest:
				if dec, err = cipher.NewSession(c.secret); err != nil {
					c.handleDisconnect(err)
					return
				}
			case protocol.TypeLoginSuccess:
				c.state.Store(uint32(protocol.StatePlay))
			}
		case protocol.StatePlay:
			if p.ID == protocol.TypeKeepAlive {
				c.answerKeepAlive(p)
			}
		}

		select {
		case c.incoming <- p:
		case <-c.shutdown:
			c.handleDisconnect(io.EOF)
			return
		}
	}
}

// readPacket reads exactly one frame, asking DecodeLength how many bytes
// are still missing.
func readPacket(br *bufio.Reader, dec *cipher.Session) (*protocol.Packet, error) {
	var buf []byte
	for {
		need, err := protocol.DecodeLength(buf)
		if err != nil {
			return nil, err
		}
		if need == 0 {
			return protocol.DecodePacket(buf)
		}
		start := len(buf)
		buf = append(buf, make([]byte, need)...)
		if _, err := io.ReadFull(br, buf[start:]); err != nil {
			return nil, err
		}
		if dec != nil {
			dec.Decrypt(buf[start:])
		}
	}
}

func (c *Connection) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if errors.Is(err, io.EOF) {
		c.logf("Connection closed by server (EOF)")
	} else {
		c.logf("Read error: %v", err)
	}
	c.readErr = fmt.Errorf("read error: %w", err)
	close(c.readDone)
}

func (c *Connection) answerKeepAlive(p *protocol.Packet) {
	var ka protocol.KeepAliveMessage
	if err := protocol.Unmarshal(p, &ka); err != nil {
		return
	}
	if err := c.Send(&ka); err != nil {
		c.logf("Keep alive reply failed: %v", err)
	}
}

// Send encodes m and writes it to the server.
func (c *Connection) Send(m protocol.Message) error {
	wire, err := protocol.EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("encode 0x%02X: %w", m.PacketID(), err)
	}
	return c.SendRaw(wire)
}

// SendRaw writes already framed bytes, encrypting them once encryption is
// on. wire is encrypted in place.
func (c *Connection) SendRaw(wire []byte) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.enc != nil {
		c.enc.Encrypt(wire)
	}
	_, err := c.writer.Write(wire)
	return err
}

// Receive returns the next frame from the server. Frames decoded before the
// stream ended are still returned before the read error.
func (c *Connection) Receive(timeout time.Duration) (*protocol.Packet, error) {
	select {
	case p := <-c.incoming:
		return p, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-c.incoming:
		return p, nil
	case <-c.readDone:
		select {
		case p := <-c.incoming:
			return p, nil
		default:
			return nil, c.readErr
		}
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Incoming returns the channel for receiving frames from server
func (c *Connection) Incoming() <-chan *protocol.Packet {
	return c.incoming
}

// Done is closed once the read loop has stopped. Err reports why.
func (c *Connection) Done() <-chan struct{} {
	return c.readDone
}

func (c *Connection) Err() error {
	select {
	case <-c.readDone:
		return c.readErr
	default:
		return nil
	}
}

// Handshake announces the protocol version and the state to switch to.
func (c *Connection) Handshake(next int32) error {
	state := protocol.StateStatus
	if next == protocol.NextStateLogin {
		state = protocol.StateLogin
	}
	c.state.Store(uint32(state))

	host, port := c.target()
	return c.Send(&protocol.HandshakeMessage{
		ProtocolVersion: protocol.ProtocolVersion,
		Address:         host,
		Port:            port,
		NextState:       next,
	})
}

// target is the host and port reported in the handshake.
func (c *Connection) target() (string, uint16) {
	hostport := c.addr
	if u, err := url.Parse(c.addr); err == nil && u.Host != "" {
		hostport = u.Host
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 25565
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 25565
	}
	return host, uint16(port)
}

// Status queries the server list entry and times a ping round trip. The
// server closes the connection afterwards.
func (c *Connection) Status() (*protocol.ServerStatus, time.Duration, error) {
	if err := c.Handshake(protocol.NextStateStatus); err != nil {
		return nil, 0, err
	}
	if err := c.Send(&protocol.StatusRequestMessage{}); err != nil {
		return nil, 0, err
	}
	var resp protocol.StatusResponseMessage
	if err := c.expect(&resp); err != nil {
		return nil, 0, err
	}
	var status protocol.ServerStatus
	if err := json.Unmarshal([]byte(resp.JSON), &status); err != nil {
		return nil, 0, fmt.Errorf("invalid status document: %w", err)
	}

	start := time.Now()
	ping := &protocol.StatusPingMessage{Payload: start.UnixNano()}
	if err := c.Send(ping); err != nil {
		return nil, 0, err
	}
	var pong protocol.StatusPingMessage
	if err := c.expect(&pong); err != nil {
		return nil, 0, err
	}
	if pong.Payload != ping.Payload {
		return nil, 0, fmt.Errorf("pong payload %d does not match ping %d", pong.Payload, ping.Payload)
	}
	return &status, time.Since(start), nil
}

// expect requires the next frame to carry m's opcode and decodes it.
func (c *Connection) expect(m protocol.Message) error {
	p, err := c.Receive(c.timeout)
	if err != nil {
		return err
	}
	if p.ID != m.PacketID() {
		return fmt.Errorf("expected 0x%02X, got 0x%02X", m.PacketID(), p.ID)
	}
	return protocol.Unmarshal(p, m)
}

// Login runs the login sequence, answering the encryption request when the
// server is in online mode, and returns once the position frame that ends
// the join has arrived.
func (c *Connection) Login(name string) (*Joined, error) {
	if err := c.Handshake(protocol.NextStateLogin); err != nil {
		return nil, err
	}
	if err := c.Send(&protocol.LoginStartMessage{Username: name}); err != nil {
		return nil, err
	}

	j := &Joined{}
	loggedIn := false
	for {
		p, err := c.Receive(c.timeout)
		if err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		if !loggedIn {
			switch p.ID {
			case protocol.TypeLoginDisconnect:
				var m protocol.LoginDisconnectMessage
				if err := protocol.Unmarshal(p, &m); err != nil {
					return nil, err
				}
				return nil, &RefusedError{Reason: m.Reason}
			case protocol.TypeEncryptionRequest:
				if err := c.answerEncryption(p); err != nil {
					return nil, err
				}
			case protocol.TypeLoginSuccess:
				var m protocol.LoginSuccessMessage
				if err := protocol.Unmarshal(p, &m); err != nil {
					return nil, err
				}
				j.UUID, j.Username = m.UUID, m.Username
				loggedIn = true
			}
			continue
		}

		switch p.ID {
		case protocol.TypeJoinGame:
			if err := protocol.Unmarshal(p, &j.Join); err != nil {
				return nil, err
			}
		case protocol.TypeSpawnPosition:
			if err := protocol.Unmarshal(p, &j.Spawn); err != nil {
				return nil, err
			}
		case protocol.TypeChunkData:
			var chunk protocol.ChunkDataMessage
			if err := protocol.Unmarshal(p, &chunk); err == nil && chunk.PrimaryMask != 0 {
				j.Chunks++
			}
		case protocol.TypePlayDisconnect:
			var m protocol.DisconnectMessage
			if err := protocol.Unmarshal(p, &m); err != nil {
				return nil, err
			}
			return nil, &RefusedError{Reason: m.Reason}
		case protocol.TypePositionLookCB:
			if err := protocol.Unmarshal(p, &j.Position); err != nil {
				return nil, err
			}
			c.logf("Joined as %s (%s) at %.1f %.1f %.1f", j.Username, j.UUID,
				j.Position.X, j.Position.Y, j.Position.Z)
			return j, nil
		}
	}
}

// answerEncryption sends the shared secret and turns on outbound
// encryption. The read loop has already switched its side.
func (c *Connection) answerEncryption(p *protocol.Packet) error {
	var req protocol.EncryptionRequestMessage
	if err := protocol.Unmarshal(p, &req); err != nil {
		return err
	}
	secret, err := cipher.EncryptFor(req.PublicKey, c.secret)
	if err != nil {
		return fmt.Errorf("encrypt shared secret: %w", err)
	}
	token, err := cipher.EncryptFor(req.PublicKey, req.VerifyToken)
	if err != nil {
		return fmt.Errorf("encrypt verify token: %w", err)
	}
	if err := c.Send(&protocol.EncryptionResponseMessage{SharedSecret: secret, VerifyToken: token}); err != nil {
		return err
	}
	sess, err := cipher.NewSession(c.secret)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	c.enc = sess
	c.writeMu.Unlock()
	c.logf("Encryption enabled")
	return nil
}

// Move reports a new feet position.
func (c *Connection) Move(x, feetY, z float64) error {
	return c.Send(&protocol.PlayerPositionMessage{
		X:        x,
		FeetY:    feetY,
		HeadY:    feetY + eyeHeight,
		Z:        z,
		OnGround: true,
	})
}

// Chat sends a chat line or a slash command.
func (c *Connection) Chat(text string) error {
	return c.Send(&protocol.ChatMessage{Text: text})
}

// GetConnectionType returns the current connection type (tcp or websocket)
func (c *Connection) GetConnectionType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionType
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// GetPacketsReceived returns the number of frames decoded so far
func (c *Connection) GetPacketsReceived() uint64 {
	return c.packetsReceived.Load()
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.shutdown)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
