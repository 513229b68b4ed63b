// Package relay forwards signaling messages between peers over WebSockets.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// PeerRepository mirrors relay presence into durable storage.
type PeerRepository interface {
	UpsertPeer(ctx context.Context, peerID, remoteAddr string) error
	DeletePeer(ctx context.Context, peerID string) error
	GetPeers(ctx context.Context) ([]store.Peer, error)
}

type Config struct {
	Addr   string
	Logger *logrus.Logger
	Peers  PeerRepository
}

type Server struct {
	config   Config
	logger   *logrus.Logger
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peerConn
}

type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Server{
		config:   cfg,
		logger:   log,
		listener: listener,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/peers", s.handlePeers)
	return mux
}

// Start serves until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Relay server started")

	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()

	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down relay server")

	s.mu.Lock()
	for id, p := range s.peers {
		_ = p.conn.Close()
		delete(s.peers, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// ConnectedPeers returns the ids with a live socket.
func (s *Server) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	p := &peerConn{id: id, conn: conn}
	s.register(p, r.RemoteAddr)
	defer s.unregister(p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("read from %s failed: %v", id, err)
			}
			return
		}
		s.route(p, data)
	}
}

func (s *Server) register(p *peerConn, remoteAddr string) {
	s.mu.Lock()
	old := s.peers[p.id]
	s.peers[p.id] = p
	s.mu.Unlock()

	if old != nil {
		s.logger.Infof("Peer %s reconnected, dropping the older socket", p.id)
		_ = old.conn.Close()
	}
	s.logger.WithFields(logrus.Fields{"peer": p.id, "addr": remoteAddr}).Info("Peer connected")

	if s.config.Peers != nil {
		if err := s.config.Peers.UpsertPeer(context.Background(), p.id, remoteAddr); err != nil {
			s.logger.Warnf("Failed to record peer %s: %v", p.id, err)
		}
	}
}

func (s *Server) unregister(p *peerConn) {
	_ = p.conn.Close()

	s.mu.Lock()
	current := s.peers[p.id] == p
	if current {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()

	if !current {
		return
	}
	s.logger.WithField("peer", p.id).Info("Peer disconnected")

	if s.config.Peers != nil {
		if err := s.config.Peers.DeletePeer(context.Background(), p.id); err != nil {
			s.logger.Warnf("Failed to remove peer %s: %v", p.id, err)
		}
	}
}

func (s *Server) route(from *peerConn, data []byte) {
	msg, err := signaling.Unmarshal(data)
	if err != nil {
		s.logger.Warnf("Dropping frame from %s: %v", from.id, err)
		return
	}
	if msg.Sender != from.id {
		s.logger.Warnf("Dropping %s from %s claiming to be %q", msg.Type, from.id, msg.Sender)
		return
	}

	s.mu.RLock()
	to := s.peers[msg.Receiver]
	s.mu.RUnlock()

	if to == nil {
		s.logger.Debugf("Dropping %s for offline peer %q", msg.Type, msg.Receiver)
		return
	}

	if err := to.write(data); err != nil {
		s.logger.Warnf("Failed to forward %s to %s: %v", msg.Type, to.id, err)
		return
	}
	s.logger.Debugf("Forwarded %s from %s to %s", msg.Type, from.id, to.id)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	ids := s.ConnectedPeers()

	if s.config.Peers != nil {
		peers, err := s.config.Peers.GetPeers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ids = make([]string, 0, len(peers))
		for _, p := range peers {
			ids = append(ids, p.PeerID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}
