// Package web serves a loopback status page for a repository: the pack
// and midx inventory over HTTP, with a websocket channel that pushes a
// note whenever the pack directory changes.
package web

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/rybkr/bup/internal/objstore"
)

const (
	writeWait    = 10 * time.Second
	debounceTime = 100 * time.Millisecond
)

// upgrader allows all origins: the server binds loopback and serves a
// single local operator.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// PackInfo describes one pack visible in the repository.
type PackInfo struct {
	Name    string `json:"name"`
	Objects int    `json:"objects"`
	Bytes   int64  `json:"bytes"`
}

// Status is the JSON document served at /api/status.
type Status struct {
	Dir   string     `json:"dir"`
	Packs []PackInfo `json:"packs"`
	Midx  []string   `json:"midx"`
}

// Server is the status server for one repository.
type Server struct {
	repo   *objstore.Repo
	addr   string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New prepares a status server listening on addr.
func New(repo *objstore.Repo, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:    repo,
		addr:    addr,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.repo.PackDir()); err != nil {
		return err
	}
	go s.watchLoop(ctx, watcher)

	srv := &http.Server{Addr: s.addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("status server listening", "addr", s.addr, "dir", s.repo.Dir())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// watchLoop debounces pack-directory events into one change broadcast.
func (s *Server) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".idx") && !strings.HasSuffix(ev.Name, ".midx") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceTime, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("pack watcher error", "err", err)
		case <-fire:
			s.broadcast(`{"event":"packs-changed"}`)
		}
	}
}

func (s *Server) broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	// Reads only service the close handshake; clients never send data.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// status gathers the pack inventory.
func (s *Server) status() (*Status, error) {
	st := &Status{Dir: s.repo.Dir()}
	entries, err := os.ReadDir(s.repo.PackDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, ent := range entries {
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, ".idx"):
			info := PackInfo{Name: strings.TrimSuffix(name, ".idx")}
			if ix, err := objstore.OpenPackIndex(filepath.Join(s.repo.PackDir(), name)); err == nil {
				info.Objects = ix.Len()
				ix.Close()
			}
			if fi, err := os.Stat(filepath.Join(s.repo.PackDir(), info.Name+".pack")); err == nil {
				info.Bytes = fi.Size()
			}
			st.Packs = append(st.Packs, info)
		case strings.HasSuffix(name, ".midx"):
			st.Midx = append(st.Midx, name)
		}
	}
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><title>repository status</title></head>
<body>
<h1>{{.Dir}}</h1>
<table border="1" cellpadding="4">
<tr><th>pack</th><th>objects</th><th>bytes</th></tr>
{{range .Packs}}<tr><td>{{.Name}}</td><td>{{.Objects}}</td><td>{{.Bytes}}</td></tr>
{{end}}
</table>
<p>midx files: {{len .Midx}}</p>
<script>
new WebSocket("ws://" + location.host + "/ws").onmessage = () => location.reload();
</script>
</body></html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	st, err := s.status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := indexTmpl.Execute(w, st); err != nil {
		s.logger.Error("render status page", "err", err)
	}
}
