package server

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/voxelgate/pkg/logger"
)

const (
	sshHandshakeTimeout = 10 * time.Second
	auditDefaultLimit   = 10
)

// errConsoleExit ends an interactive console session.
var errConsoleExit = errors.New("console closed")

// startSSHServer opens the admin console. Operators log in with the
// configured user and password and get a line-oriented command shell.
func (s *Server) startSSHServer() error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateAdmin,
		ServerVersion:    "SSH-2.0-voxelgate",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SSHAddr, err)
	}
	s.sshListener = listener
	s.log.Info("admin console listening", logger.F("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("admin console accept failed", logger.Err(err))
			continue
		}
		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Debug("admin console handshake failed",
			logger.F("remote", conn.RemoteAddr().String()), logger.Err(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	// the console dies with the server
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	admin := sshConn.User()
	log := s.log.With(logger.F("admin", admin), logger.F("remote", sshConn.RemoteAddr().String()))
	log.Info("admin console session opened")

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn("could not accept channel", logger.Err(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer channel.Close()
			s.handleSSHChannelRequests(channel, requests, admin, log)
		}()
	}
}

// handleSSHChannelRequests serves "exec" as a single command and "shell" as
// an interactive line loop. Terminal allocation is refused so the client
// keeps local echo and line editing.
func (s *Server) handleSSHChannelRequests(channel ssh.Channel, requests <-chan *ssh.Request, admin string, log logger.Logger) {
	for req := range requests {
		switch req.Type {
		case "exec":
			command, ok := parseExecPayload(req.Payload)
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}
			if !ok {
				continue
			}
			_ = s.runConsoleLine(channel, admin, command)
			sendExitStatus(channel, 0)
			return
		case "shell":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go discardRequests(requests)
			s.consoleLoop(channel, admin)
			sendExitStatus(channel, 0)
			log.Info("admin console session closed")
			return
		case "env", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func discardRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func parseExecPayload(payload []byte) (string, bool) {
	if len(payload) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) != len(payload)-4 {
		return "", false
	}
	return string(payload[4:]), true
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	var status [4]byte
	binary.BigEndian.PutUint32(status[:], code)
	_, _ = channel.SendRequest("exit-status", false, status[:])
}

func (s *Server) consoleLoop(rw io.ReadWriter, admin string) {
	fmt.Fprintf(rw, "voxelgate admin console, %d/%d players online. Type help for commands.\r\n",
		s.conns.PlayerCount(), s.config.MaxPlayers)
	scanner := bufio.NewScanner(rw)
	for {
		fmt.Fprint(rw, "> ")
		if !scanner.Scan() {
			return
		}
		if err := s.runConsoleLine(rw, admin, scanner.Text()); errors.Is(err, errConsoleExit) {
			return
		}
	}
}

// runConsoleLine executes one console command and writes its output to w.
func (s *Server) runConsoleLine(w io.Writer, admin, line string) error {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil
	}
	out := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...)
	}

	switch strings.ToLower(fields[0]) {
	case "help":
		out("list                  show online players")
		out("kick <player> [why]   disconnect a player")
		out("say <text>            broadcast a server message")
		out("audit [n]             show recent admin actions")
		out("stop                  shut the server down")
		out("exit                  close this console")

	case "list":
		players := s.conns.Players()
		out("%d/%d players online", len(players), s.config.MaxPlayers)
		for _, c := range players {
			x, y, z := c.Position()
			out("  %-16s %-9s %.1f %.1f %.1f", c.Name(), c.transport, x, y, z)
		}

	case "kick":
		if len(fields) < 2 {
			out("usage: kick <player> [reason]")
			return nil
		}
		target, ok := s.conns.ByName(fields[1])
		if !ok {
			out("%s is not online", fields[1])
			return nil
		}
		reason := "Kicked by an operator"
		if len(fields) > 2 {
			reason = strings.Join(fields[2:], " ")
		}
		target.Kick(reason, nil)
		s.audit(admin, "kick", target.Name()+": "+reason)
		out("kicked %s", target.Name())

	case "say":
		if len(fields) < 2 {
			out("usage: say <text>")
			return nil
		}
		text := strings.Join(fields[1:], " ")
		s.announce("[Server] "+text, "light_purple")
		s.audit(admin, "say", text)
		out("sent")

	case "audit":
		if s.db == nil {
			out("no player database configured")
			return nil
		}
		limit := auditDefaultLimit
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
				limit = n
			}
		}
		actions, err := s.db.RecentAdminActions(limit)
		if err != nil {
			out("audit failed: %v", err)
			return nil
		}
		for _, a := range actions {
			out("%s  %-10s %-6s %s", time.UnixMilli(a.CreatedAt).Format(time.DateTime), a.Admin, a.ActionType, a.Details)
		}

	case "stop":
		s.audit(admin, "stop", "")
		out("stopping server")
		go func() {
			if err := s.Stop(); err != nil {
				s.log.Error("stop from console failed", logger.Err(err))
			}
		}()
		return errConsoleExit

	case "exit", "quit":
		return errConsoleExit

	default:
		out("unknown command %q, try help", fields[0])
	}
	return nil
}

// audit records an operator action. Without a player database it is only
// logged.
func (s *Server) audit(admin, action, details string) {
	s.log.Info("admin action",
		logger.F("admin", admin), logger.F("action", action), logger.F("details", details))
	if s.db == nil {
		return
	}
	if err := s.db.LogAdminAction(admin, action, details); err != nil {
		s.log.Warn("failed to record admin action", logger.Err(err))
	}
}

func (s *Server) authenticateAdmin(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if conn.User() != s.config.AdminUser || s.config.AdminPasswordHash == "" {
		s.log.Warn("admin console login rejected",
			logger.F("user", conn.User()), logger.F("remote", conn.RemoteAddr().String()))
		return nil, fmt.Errorf("access denied")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.config.AdminPasswordHash), password); err != nil {
		s.log.Warn("admin console login rejected",
			logger.F("user", conn.User()), logger.F("remote", conn.RemoteAddr().String()))
		return nil, fmt.Errorf("access denied")
	}
	return &ssh.Permissions{}, nil
}

// HashPassword returns the bcrypt hash stored as admin.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// loadOrGenerateHostKey loads the console host key or creates one. An
// empty path uses an ephemeral key.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath := s.config.SSHHostKeyPath
	if keyPath != "" {
		keyBytes, err := os.ReadFile(keyPath)
		if err == nil {
			key, err := ssh.ParsePrivateKey(keyBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse host key: %w", err)
			}
			s.log.Debug("loaded SSH host key", logger.F("path", keyPath))
			return key, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read host key: %w", err)
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if keyPath != "" {
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write key: %w", err)
		}
		s.log.Info("generated SSH host key", logger.F("path", keyPath))
	}
	return ssh.NewSignerFromKey(privateKey)
}
