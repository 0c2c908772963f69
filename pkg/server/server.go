package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/voxelgate/pkg/cipher"
	"github.com/aeolun/voxelgate/pkg/database"
	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/protocol"
	"github.com/aeolun/voxelgate/pkg/world"
)

// MaxViewRadius bounds the configured and the client requested view radius.
const MaxViewRadius = 16

const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"

	// poolQueueFactor sizes the pool queue per worker.
	poolQueueFactor = 64
	stopTimeout     = 15 * time.Second
)

// ServerConfig holds the runtime configuration.
type ServerConfig struct {
	ListenAddr    string
	WebSocketAddr string // empty disables the browser transport
	MetricsAddr   string // empty disables /metrics and /health

	MaxPlayers int
	MOTD       string
	OnlineMode bool
	GameMode   uint8

	WorldName string
	WorldSeed string
	Generator string // "terrain" or "flat"
	CacheTTL  time.Duration

	ViewRadius       int
	WorkerPoolSize   int
	GeneratorWorkers int
	MaxOutboundBytes int
	LoginTimeout     time.Duration
	PingInterval     time.Duration
	Chain            ChainPolicy

	DataDir          string // column store; empty keeps the world in memory
	PlayerDB         string // sqlite path; empty keeps profiles in memory
	SnapshotInterval time.Duration

	SSHAddr           string // empty disables the admin console
	SSHHostKeyPath    string
	AdminUser         string
	AdminPasswordHash string
}

// DefaultConfig returns the configuration used for zero file values. It
// keeps everything in memory and listens on the standard port.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       ":25565",
		MaxPlayers:       20,
		MOTD:             "A voxelgate server",
		GameMode:         1,
		WorldName:        "world",
		WorldSeed:        "voxelgate",
		Generator:        "terrain",
		CacheTTL:         5 * time.Minute,
		ViewRadius:       8,
		WorkerPoolSize:   8,
		GeneratorWorkers: 4,
		MaxOutboundBytes: 8 << 20,
		LoginTimeout:     30 * time.Second,
		PingInterval:     15 * time.Second,
		Chain:            DefaultChainPolicy(),
		SnapshotInterval: 30 * time.Second,
		AdminUser:        "admin",
	}
}

// Server owns the listeners, the connection registry and the shared
// world state.
type Server struct {
	config ServerConfig
	log    logger.Logger
	keys   *cipher.KeyPair

	worlds   *world.Worlds
	world    *world.World // the world players join
	overlays *world.Overlays
	store    world.Store

	db      *database.DB // nil without a player database
	cache   *database.PlayerCache
	players database.PlayerStore

	conns      *Registry
	dispatcher *Dispatcher
	pool       *Pool
	gen        *generationQueue
	metrics    *Metrics

	listener      net.Listener
	wsServer      *http.Server
	wsAddr        net.Addr
	metricsServer *http.Server
	sshListener   net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept and maintenance loops
	connWG    sync.WaitGroup // one per live connection
	startTime time.Time
}

// NewServer opens the stores and builds the server. Nothing listens until
// Start.
func NewServer(config ServerConfig, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	if config.ViewRadius < 1 || config.ViewRadius > MaxViewRadius {
		return nil, fmt.Errorf("view radius %d outside 1..%d", config.ViewRadius, MaxViewRadius)
	}
	if config.Chain.Terminal == nil {
		config.Chain.Terminal = isDragEnd
	}

	keys, err := cipher.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	if config.DataDir != "" {
		if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := world.OpenBadgerStore(config.DataDir)
	if err != nil {
		return nil, err
	}

	var db *database.DB
	if config.PlayerDB != "" {
		if err := os.MkdirAll(filepath.Dir(config.PlayerDB), 0o755); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create player database directory: %w", err)
		}
		if db, err = database.Open(config.PlayerDB); err != nil {
			store.Close()
			return nil, err
		}
		if n, err := db.CloseOpenSessions("crash"); err == nil && n > 0 {
			log.Warn("closed sessions left open by the previous run", logger.F("count", n))
		}
	}
	cache := database.NewPlayerCache(db, config.SnapshotInterval, log.With(logger.F("component", "players")))

	var gen world.Generator
	switch config.Generator {
	case "flat":
		gen = world.FlatGenerator{Surface: 4}
	default:
		gen = world.NewTerrainGenerator(config.WorldSeed)
	}
	worlds := world.NewWorlds()
	home := worlds.Create(world.Options{
		Name:      config.WorldName,
		Generator: gen,
		Store:     store,
		CacheTTL:  config.CacheTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	s := &Server{
		config:     config,
		log:        log,
		keys:       keys,
		worlds:     worlds,
		world:      home,
		overlays:   world.NewOverlays(),
		store:      store,
		db:         db,
		cache:      cache,
		players:    cache,
		conns:      NewRegistry(metrics),
		dispatcher: newDispatcher(),
		pool:       NewPool(config.WorkerPoolSize, config.WorkerPoolSize*poolQueueFactor),
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}
	s.gen = newGenerationQueue(ctx, worlds, config.GeneratorWorkers, metrics)
	return s, nil
}

// Config returns the runtime configuration.
func (s *Server) Config() ServerConfig { return s.config }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Done is closed once shutdown has begun.
func (s *Server) Done() <-chan struct{} { return s.shutdown }

// Addr returns the game listener address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start opens the listeners and the background loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.log.Info("game listener started",
		logger.F("addr", listener.Addr().String()),
		logger.F("online_mode", s.config.OnlineMode),
		logger.F("view_radius", s.config.ViewRadius))

	if s.config.WebSocketAddr != "" {
		if err := s.startWebSocket(); err != nil {
			listener.Close()
			return err
		}
	}
	if s.config.MetricsAddr != "" {
		if err := s.startMetricsServer(); err != nil {
			listener.Close()
			return err
		}
	}
	if s.config.SSHAddr != "" {
		if err := s.startSSHServer(); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start SSH console: %w", err)
		}
	}

	s.wg.Add(2)
	go s.keepAliveLoop()
	go s.acceptLoop()
	return nil
}

// startMetricsServer serves /metrics and /health. The address should stay
// internal.
func (s *Server) startMetricsServer() error {
	ln, err := net.Listen("tcp", s.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("metrics listener started", logger.F("addr", ln.Addr().String()))
	go func() {
		if err := s.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", logger.Err(err))
		}
	}()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", logger.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.serveConn(conn, transportTCP)
		}()
	}
}

// serveConn runs one connection to completion on the calling goroutine,
// which becomes its reader. The caller accounts for it in connWG.
func (s *Server) serveConn(conn net.Conn, transport string) {
	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	c := newConnection(s, s.conns.NextID(), conn, transport)
	s.conns.Add(c)
	s.metrics.ConnectionOpened(transport)
	c.log.Debug("connection accepted")

	if s.config.LoginTimeout > 0 {
		c.loginTimer = time.AfterFunc(s.config.LoginTimeout, func() {
			if c.State() != protocol.StatePlay {
				c.Kick("Took too long to log in", fmt.Errorf("%w: login not completed", ErrTimeout))
			}
		})
	}

	writerDone := make(chan error, 1)
	go func() {
		err := writeLoop(conn, c.out, s.metrics.FrameOut)
		if err != nil {
			// the socket is gone, so the reader must stop too
			c.Disconnect(readCause(err))
		}
		writerDone <- err
	}()

	err := c.readLoop()
	c.Disconnect(readCause(err))
	c.teardown(writerDone)
}

// refreshChunks makes every player holding one of keys receive it again,
// with the current overlays applied.
func (s *Server) refreshChunks(_ *Connection, keys []world.ChunkKey) {
	for _, p := range s.conns.Players() {
		if p.failing.Load() {
			continue
		}
		p.invalidate(keys)
	}
}

// Stop disconnects every client and closes the stores. It is safe to call
// more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.log.Info("graceful shutdown initiated")
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}

	all := s.conns.All()
	for _, c := range all {
		c.Disconnect(ErrShuttingDown)
	}
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("connections closed", logger.F("count", len(all)))
	case <-time.After(stopTimeout):
		s.log.Warn("connections still open at shutdown", logger.F("count", s.conns.Count()))
	}

	s.cancel()
	s.wg.Wait()
	var errs []error
	if err := s.gen.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("player snapshot: %w", err))
	}
	if s.db != nil {
		if _, err := s.db.CloseOpenSessions("shutdown"); err != nil {
			errs = append(errs, err)
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("column store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.Error("shutdown finished with errors", logger.Err(err))
	} else {
		s.log.Info("graceful shutdown complete")
	}
	return err
}
