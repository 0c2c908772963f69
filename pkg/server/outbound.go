package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aeolun/voxelgate/pkg/cipher"
)

var errQueueClosed = errors.New("outbound queue closed")

// outItem is one entry of the outbound FIFO: an encoded frame, or a marker
// that switches the writer to an outbound cipher. Frames queued ahead of a
// marker are written in clear.
type outItem struct {
	wire   []byte
	opcode int32
	cipher *cipher.Session
}

// outbound is the per-connection FIFO drained by the writer goroutine.
// Producers never touch the socket, so any goroutine may enqueue.
type outbound struct {
	mu     sync.Mutex
	items  []outItem
	bytes  int
	max    int
	closed bool
	wake   chan struct{}
}

func newOutbound(max int) *outbound {
	return &outbound{max: max, wake: make(chan struct{}, 1)}
}

// push appends it. Unless force is set the queue refuses to grow past max
// bytes, which means the client has stopped reading.
func (q *outbound) push(it outItem, force bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	if !force && q.max > 0 && q.bytes+len(it.wire) > q.max {
		q.mu.Unlock()
		return ErrQueueOverflow
	}
	q.items = append(q.items, it)
	q.bytes += len(it.wire)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes everything queued. closed is reported once the queue has
// been closed, so the writer can exit after writing the final batch.
func (q *outbound) take() (items []outItem, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items = q.items
	q.items = nil
	q.bytes = 0
	return items, q.closed
}

// close stops further pushes. Items already queued are still written.
func (q *outbound) close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of bytes waiting to be written.
func (q *outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// writeLoop owns the write side of conn. It drains q head first,
// encrypting each frame just before it reaches the socket, and returns once
// q is closed and empty or a write fails.
func writeLoop(conn net.Conn, q *outbound, onWrite func(opcode int32, n int)) error {
	bw := bufio.NewWriterSize(conn, 32*1024)
	var enc *cipher.Session
	for {
		items, closed := q.take()
		if len(items) == 0 {
			if closed {
				return nil
			}
			<-q.wake
			continue
		}
		for _, it := range items {
			if it.cipher != nil {
				if err := bw.Flush(); err != nil {
					return err
				}
				enc = it.cipher
				continue
			}
			if enc != nil {
				enc.Encrypt(it.wire)
			}
			if _, err := bw.Write(it.wire); err != nil {
				return err
			}
			if onWrite != nil {
				onWrite(it.opcode, len(it.wire))
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
}

// lingerTimeout bounds how long a kicked client gets to receive its
// disconnect frame.
const lingerTimeout = 2 * time.Second
