// Package wsconn adapts a gorilla websocket to net.Conn so the game byte
// stream can run over it unchanged.
package wsconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn carries the game byte stream in binary messages. Message boundaries
// mean nothing: a frame may span messages and a message may hold several
// frames.
type Conn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func New(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Dial opens a websocket to url ("ws://host:port/ws").
func Dial(url string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return New(ws), nil
}

func (w *Conn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	for {
		if w.reader == nil {
			kind, r, err := w.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if errors.Is(err, io.EOF) {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *Conn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Conn) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

func (w *Conn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *Conn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *Conn) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}

func (w *Conn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *Conn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
