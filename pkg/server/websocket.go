package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 32 * 1024,
	// browser clients are served from anywhere
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the game session on it
// until the connection ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logger.F("remote", r.RemoteAddr), logger.Err(err))
		return
	}
	s.connWG.Add(1)
	defer s.connWG.Done()
	s.serveConn(wsconn.New(ws), transportWebSocket)
}

func (s *Server) startWebSocket() error {
	ln, err := net.Listen("tcp", s.config.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.WebSocketAddr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.wsAddr = ln.Addr()
	s.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("websocket listener started", logger.F("addr", ln.Addr().String()))
	go func() {
		if err := s.wsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server failed", logger.Err(err))
		}
	}()
	return nil
}

// WebSocketAddr returns the browser listener address once started.
func (s *Server) WebSocketAddr() net.Addr {
	if s.wsServer == nil {
		return nil
	}
	return s.wsAddr
}
