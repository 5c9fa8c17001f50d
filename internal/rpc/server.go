// Package rpc implements the daemon's control surface: a WebSocket
// server (github.com/gorilla/websocket) that streams rpctypes
// resources and partial updates as JSON envelopes, evaluates
// client-submitted criterion queries, accepts CResourceUpdate
// mutations, and serves completed-file bytes over a token-gated HTTP
// download endpoint.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/query"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

const (
	connTimeout  = 20 * time.Second
	connPing     = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// ResourceProvider is implemented by the session: it lists the current
// snapshot of a resource type for query evaluation, and applies a
// client-submitted partial update.
type ResourceProvider interface {
	ListResources(typ rpctypes.ResourceType) ([]interface{}, error)
	ApplyUpdate(u rpctypes.CResourceUpdate) error
}

// FileServer is implemented by the session to resolve a completed
// file's path for the download endpoint.
type FileServer interface {
	FilePath(id string) (string, error)
}

// Server is the RPC control surface. One Server exists per daemon
// process.
type Server struct {
	log       logger.Logger
	upgrader  websocket.Upgrader
	resources ResourceProvider
	files     FileServer
	token     string

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New returns a Server that authorizes downloads with token (the
// process-wide random download token) and answers queries against
// resources.
func New(resources ResourceProvider, files FileServer, token string, log logger.Logger) *Server {
	return &Server{
		log:       log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		resources: resources,
		files:     files,
		token:     token,
		clients:   make(map[*client]struct{}),
	}
}

// Handler returns the http.Handler serving both the WebSocket upgrade
// endpoint and the file download endpoint, for tests or for embedding
// behind a caller-managed http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/download/", s.handleDownload)
	return mux
}

// Start binds addr and begins serving RPC connections in the
// background. Returns once the listener is bound.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorln("rpc server stopped:", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the RPC server down, closing every client
// connection.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Broadcast marshals u and fans it out to every connected client,
// non-blocking: a client whose send buffer is full is dropped rather
// than stalling the whole daemon.
func (s *Server) Broadcast(u rpctypes.Update) {
	env, err := rpctypes.Wrap(u)
	if err != nil {
		s.log.Errorln("rpc: failed to wrap update:", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.sendC <- env:
		default:
			s.log.Warningln("rpc: dropping slow client")
			go c.close()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugln("rpc: upgrade failed:", err)
		return
	}
	c := newClient(s, conn)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) query(typ rpctypes.ResourceType, criteria []query.Criterion) ([]interface{}, error) {
	resources, err := s.resources.ListResources(typ)
	if err != nil {
		return nil, err
	}
	matched := make([]interface{}, 0, len(resources))
	for _, res := range resources {
		ok, err := query.Match(res, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, res)
		}
	}
	return matched, nil
}
