package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/voxelgate/pkg/cipher"
	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
)

const (
	// InventorySize is the number of slots in the player's own window.
	InventorySize = 45
	hotbarBase    = 36
	eyeHeight     = 1.62

	readBufferSize = 16 * 1024
)

// drainWarnInterval is how often teardown reports handlers it is still
// waiting for.
var drainWarnInterval = 10 * time.Second

// playerState is owned by the connection's executor. Fields that other
// goroutines read are mirrored under Connection.infoMu.
type playerState struct {
	X, Y, Z    float64 // feet position
	Yaw, Pitch float32
	OnGround   bool
	GameMode   uint8
	HeldSlot   int16
	Inventory  [InventorySize]protocol.Slot
	Cursor     protocol.Slot
	drag       *dragGesture
}

// Connection is one client session. The reader goroutine owns the read side
// and the accumulator, the writer goroutine owns the write side, and
// handlers run serially on exec.
type Connection struct {
	ID          uint32
	srv         *Server
	conn        net.Conn
	transport   string
	remoteAddr  string
	connectedAt time.Time
	log         logger.Logger

	state    atomic.Uint32
	inCipher *cipher.Session

	out  *outbound
	exec *Executor

	failing  atomic.Bool
	joined   atomic.Bool // join sequence queued; broadcasts may follow
	kickOnce sync.Once
	causeMu  sync.Mutex
	cause    error

	// login progress, touched only by handlers
	protocolVersion int32
	statusSent      bool
	username        string
	verifyToken     []byte
	loginTimer      *time.Timer
	dbSession       int64

	infoMu sync.RWMutex
	name   string
	uuid   string
	pos    [3]float64

	player playerState
	ping   keepAlive
	stream *streamState

	respMu        sync.Mutex
	responses     []genResponse
	pumpScheduled bool
}

func newConnection(srv *Server, id uint32, conn net.Conn, transport string) *Connection {
	c := &Connection{
		ID:          id,
		srv:         srv,
		conn:        conn,
		transport:   transport,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		out:         newOutbound(srv.config.MaxOutboundBytes),
		exec:        NewExecutor(srv.ctx, srv.pool),
		stream:      newStreamState(int32(srv.config.ViewRadius)),
	}
	c.log = srv.log.With(
		logger.F("conn", id),
		logger.F("remote", c.remoteAddr),
		logger.F("transport", transport),
	)
	for i := range c.player.Inventory {
		c.player.Inventory[i] = protocol.EmptySlot
	}
	c.player.Cursor = protocol.EmptySlot
	return c
}

func (c *Connection) State() protocol.State { return protocol.State(c.state.Load()) }

func (c *Connection) setState(s protocol.State) {
	c.state.Store(uint32(s))
	c.log.Debug("state changed", logger.F("state", s.String()))
}

// Name returns the player name once login has completed.
func (c *Connection) Name() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.name
}

// Position returns the last accepted feet position.
func (c *Connection) Position() (x, y, z float64) {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.pos[0], c.pos[1], c.pos[2]
}

// Cause returns the error that ended the connection, nil for a clean quit.
func (c *Connection) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// Send marshals m and enqueues it.
func (c *Connection) Send(m protocol.Message) error {
	p, err := protocol.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode 0x%02X: %w", m.PacketID(), err)
	}
	return c.Enqueue(p)
}

// Enqueue queues p for the writer. Block updates for chunks the client
// does not hold are dropped; the check and the append happen under the
// stream lock so an unload cannot slip between them.
func (c *Connection) Enqueue(p *protocol.Packet) error {
	if cx, cz, ok := protocol.BlockUpdateTarget(p); ok {
		st := c.stream
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.knowsLocked(cx, cz) {
			c.srv.metrics.FrameDropped(p.ID)
			return nil
		}
	}
	return c.push(p)
}

// push queues p without filtering.
func (c *Connection) push(p *protocol.Packet) error {
	f, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode 0x%02X: %w", p.ID, err)
	}
	err = c.out.push(outItem{wire: f.Bytes(), opcode: p.ID}, false)
	switch {
	case errors.Is(err, errQueueClosed):
		return nil
	case errors.Is(err, ErrQueueOverflow):
		c.Disconnect(err)
		return err
	}
	return err
}

// sendLocked is Send for callers that already hold the stream lock.
func (c *Connection) sendLocked(m protocol.Message) error {
	p, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return c.push(p)
}

// Kick ends the connection once. A disconnect frame carrying reason is
// queued when the state has one, the outbound queue is closed behind it,
// and the reader is unblocked. Later calls are no-ops.
func (c *Connection) Kick(reason string, cause error) {
	c.kickOnce.Do(func() {
		c.failing.Store(true)
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()

		var m protocol.Message
		switch c.State() {
		case protocol.StatePlay:
			m = &protocol.DisconnectMessage{Reason: protocol.Text(reason)}
		case protocol.StateLogin:
			m = &protocol.LoginDisconnectMessage{Reason: protocol.Text(reason)}
		}
		if m != nil {
			if wire, err := protocol.EncodeMessage(m); err == nil {
				_ = c.out.push(outItem{wire: wire, opcode: m.PacketID()}, true)
			}
		}
		c.out.close()
		_ = c.conn.SetReadDeadline(time.Now())
		_ = c.conn.SetWriteDeadline(time.Now().Add(lingerTimeout))

		if cause == nil {
			c.log.Debug("connection closing", logger.F("reason", reason))
		} else {
			c.log.Info("connection kicked",
				logger.F("reason", reason),
				logger.F("class", errorClass(cause)),
				logger.Err(cause))
		}
	})
}

// Disconnect kicks with the reason a client is shown for cause.
func (c *Connection) Disconnect(cause error) {
	c.Kick(kickReason(cause), cause)
}

func kickReason(err error) string {
	switch {
	case err == nil:
		return "Disconnected"
	case errors.Is(err, ErrServerFull):
		return "The server is full!"
	case errors.Is(err, ErrShuttingDown):
		return "Server closed"
	case errors.Is(err, ErrTimeout):
		return "Timed out"
	case errors.Is(err, ErrQueueOverflow):
		return "Connection too slow"
	case errors.Is(err, ErrAuth), errors.Is(err, ErrCipher):
		return "Failed to verify username!"
	}
	return "Protocol error"
}

// readLoop reads frames until the socket fails or the connection is
// kicked. It reads exactly as many bytes as DecodeLength asks for, so a
// cipher installed between two frames is applied from the first byte of the
// next one.
func (c *Connection) readLoop() error {
	br := bufio.NewReaderSize(c.conn, readBufferSize)
	chain := chainBuilder{policy: c.srv.config.Chain}
	buf := make([]byte, 0, 512)

	for {
		need, err := protocol.DecodeLength(buf)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFraming, err)
		}
		if need == 0 {
			p, err := protocol.DecodePacket(buf)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrFraming, err)
			}
			buf = buf[:0]
			state := c.State()
			c.srv.metrics.FrameIn(state, p.ID)

			if state != protocol.StatePlay {
				// a handler may change state or install a cipher, so the
				// next byte is not read before it has finished
				if err := c.runNow(p); err != nil {
					return err
				}
				continue
			}
			flushed, ended := chain.add(p)
			if err := c.submitChain(flushed); err != nil {
				return err
			}
			if err := c.submitChain(ended); err != nil {
				return err
			}
			continue
		}

		if br.Buffered() == 0 && !chain.empty() {
			if err := c.submitChain(chain.take()); err != nil {
				return err
			}
		}
		start := len(buf)
		if cap(buf)-start < need {
			grown := make([]byte, start, start+need)
			copy(grown, buf)
			buf = grown
		}
		buf = buf[:start+need]
		if _, err := io.ReadFull(br, buf[start:]); err != nil {
			return err
		}
		if c.inCipher != nil {
			c.inCipher.Decrypt(buf[start:])
		}
	}
}

// submitChain hands chain to the executor. Errors from the handlers kick
// the connection once the chain has stopped.
func (c *Connection) submitChain(chain []*protocol.Packet) error {
	if len(chain) == 0 {
		return nil
	}
	err := c.exec.Submit(func() {
		if err := c.execChain(chain); err != nil {
			c.Disconnect(err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	return nil
}

// runNow executes p on the executor and waits for it.
func (c *Connection) runNow(p *protocol.Packet) error {
	done := make(chan error, 1)
	if err := c.exec.Submit(func() { done <- c.execChain([]*protocol.Packet{p}) }); err != nil {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	select {
	case err := <-done:
		return err
	case <-c.srv.ctx.Done():
		return ErrShuttingDown
	}
}

// execChain runs the handlers of chain in order, then the streaming pass if
// any of them asked for one.
func (c *Connection) execChain(chain []*protocol.Packet) error {
	start := time.Now()
	defer func() { c.srv.metrics.ChainExecuted(len(chain), time.Since(start)) }()

	for _, p := range chain {
		if c.failing.Load() {
			return nil
		}
		h, err := c.srv.dispatcher.Lookup(c.State(), p.ID)
		if err != nil {
			return err
		}
		if err := h(c, p); err != nil {
			return err
		}
	}
	if !c.failing.Load() {
		c.streamIfNeeded()
	}
	return nil
}

// drain waits for every queued handler to return. Handlers see failing and
// return early, so the wait ends unless one is stuck in a store call.
func (c *Connection) drain() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), drainWarnInterval)
		err := c.exec.Wait(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("handlers still running at teardown", logger.F("in_flight", c.exec.InFlight()))
	}
}

// readCause maps the error that stopped the reader to a disconnect cause.
// The remote side going away is a clean quit.
func readCause(err error) error {
	var ne net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return nil
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: read: %v", ErrTimeout, err)
	}
	return err
}

// teardown runs on the reader goroutine after it has exited. Sets and
// queues are released only after the last handler has returned.
func (c *Connection) teardown(writerDone <-chan error) {
	if c.loginTimer != nil {
		c.loginTimer.Stop()
	}
	c.exec.Close()
	c.drain()

	aborted := c.stream.release()
	c.respMu.Lock()
	c.responses = nil
	c.respMu.Unlock()
	if touched := c.srv.overlays.Clear(c.ID); len(touched) > 0 {
		c.srv.refreshChunks(c, touched)
	}

	select {
	case <-writerDone:
	case <-time.After(lingerTimeout + time.Second):
	}
	_ = c.conn.Close()

	// the name stays claimed until the profile is saved, so a quick
	// reconnect cannot load a stale one
	cause := c.Cause()
	if c.State() == protocol.StatePlay && c.Name() != "" {
		c.srv.playerLeft(c, cause)
	}
	c.srv.conns.Remove(c)
	c.srv.metrics.ConnectionClosed(c.transport, errorClass(cause))
	c.log.Debug("connection closed",
		logger.F("duration", time.Since(c.connectedAt).String()),
		logger.F("aborted_requests", aborted))
}
