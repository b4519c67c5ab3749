package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/proto"
	"github.com/vigilhq/vigil/internal/util"
)

const (
	writeTimeout = util.DefaultWriteTimeout
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	ringCapacity = 256
)

// Server ties the hub to its HTTP surface: the signaling websocket, the
// session-list and ICE endpoints, and the status page.
type Server struct {
	cfg  *config.Relay
	hub  *Hub
	ring *util.LogRing
	auth AuthFunc

	iceMu   sync.RWMutex
	ice     []string
	watcher *fsnotify.Watcher

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds a server from cfg.
func New(cfg *config.Relay) (*Server, error) {
	ring := util.NewLogRing(ringCapacity)
	auth := JWTAuth(cfg.JWTSecret)
	s := &Server{
		cfg:  cfg,
		hub:  NewHub(auth, time.Duration(cfg.SessionTTLSec)*time.Second, ring),
		ring: ring,
		auth: auth,
		ice:  cfg.ICEServers,
		upgrader: websocket.Upgrader{
			// Signaling clients are native daemons and browser consoles on
			// other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.ICEServersFile != "" {
		if err := s.loadICEFile(); err != nil {
			return nil, err
		}
		if err := s.watchICEFile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Hub exposes the signaling hub, for tests and embedding.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/ice", s.handleICE)
	r.Get("/status", s.handleStatus)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("relay listening on %s", s.cfg.Addr)
		errc <- s.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutCtx)
		if s.watcher != nil {
			s.watcher.Close()
		}
		return err
	case err := <-errc:
		if s.watcher != nil {
			s.watcher.Close()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWS upgrades the connection and runs the per-socket read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade: %v", err)
		return
	}

	var writeMu sync.Mutex
	sock := s.hub.Register(func(msg proto.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debugf("write %s: %v", msg.Event, err)
		}
	})
	log.Debugf("socket %s connected from %s", sock.ID, r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		s.hub.HandleMessage(sock, msg)
	}
	close(stop)
	conn.Close()
	s.hub.Disconnect(sock)
	log.Debugf("socket %s disconnected", sock.ID)
}

// handleSessions serves the full session list to bearer-authenticated admins.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	claims, err := s.bearerClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.Role != proto.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	list := s.hub.Sessions()
	if list == nil {
		list = []proto.SessionInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// handleICE serves the current ICE server list. Unauthenticated: the list
// holds no secrets and both roles need it before they can sign in.
func (s *Server) handleICE(w http.ResponseWriter, _ *http.Request) {
	s.iceMu.RLock()
	ice := make([]string, len(s.ice))
	copy(ice, s.ice)
	s.iceMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		ICEServers []string `json:"iceServers"`
	}{ICEServers: ice})
}

// handleStatus renders a plain-text operational snapshot behind basic auth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StatusPassHash == "" {
		http.Error(w, "status page disabled", http.StatusNotFound)
		return
	}
	_, pass, ok := r.BasicAuth()
	if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.StatusPassHash), []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="vigil-relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "vigil-relay %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "sessions:")
	for _, info := range s.hub.Sessions() {
		state := "idle"
		if info.StreamActive {
			state = "streaming"
		} else if info.DisconnectReason != "" {
			state = info.DisconnectReason
		}
		fmt.Fprintf(w, "  %s  %-20s %s\n", info.SessionID, info.EmployeeName, state)
	}
	fmt.Fprintln(w, "\nrecent activity:")
	for _, line := range s.ring.Recent(50) {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func (s *Server) bearerClaims(r *http.Request) (*Claims, error) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return nil, errors.New("missing bearer token")
	}
	return s.auth(tok)
}

// loadICEFile reads the configured ICE server list file.
func (s *Server) loadICEFile() error {
	b, err := os.ReadFile(s.cfg.ICEServersFile)
	if err != nil {
		return fmt.Errorf("read ice servers: %w", err)
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("parse ice servers: %w", err)
	}
	s.iceMu.Lock()
	s.ice = list
	s.iceMu.Unlock()
	log.Infof("loaded %d ice servers from %s", len(list), s.cfg.ICEServersFile)
	return nil
}

// watchICEFile hot-reloads the ICE list when the file changes, so TURN
// credentials can rotate without a restart.
func (s *Server) watchICEFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.cfg.ICEServersFile); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadICEFile(); err != nil {
					log.Warnf("reload ice servers: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("ice watcher: %v", err)
			}
		}
	}()
	return nil
}
