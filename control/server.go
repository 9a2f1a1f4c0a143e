// Package control exposes the cache manager's control channel over HTTP.
//
// Commands are posted as JSON to /commands and answered with the resulting notification.
// Subscribers connect to /subscribe with a websocket: every broadcast notification is pushed
// to them, and commands sent as text frames are executed like posted ones.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	advancedcache "github.com/always-cache/advanced-cache"
	"github.com/always-cache/advanced-cache/pkg/metrics"
	"github.com/always-cache/advanced-cache/pkg/notify"
	"github.com/always-cache/advanced-cache/pkg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	maxCommandSize = 1 << 20
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	readTimeout    = 2 * pingInterval
	commandTimeout = time.Minute
)

// Manager is the control side of the cache manager.
type Manager interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Notification, error)
	Subscribe() *notify.Subscriber
	Unsubscribe(sub *notify.Subscriber)
	Metrics() metrics.Snapshot
}

// Server serves the control channel of a single manager.
type Server struct {
	manager  Manager
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.Mutex
	clients map[*client]struct{}
}

// NewServer creates a control server. If gatherer is nil, /metrics is not served.
func NewServer(manager Manager, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		manager:  manager,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		log:     log.With().Str("component", "control").Logger(),
		clients: make(map[*client]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Router returns the handler for all control endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/commands", s.handleCommand)
	r.Get("/subscribe", s.handleSubscribe)
	r.Get("/snapshot", s.handleSnapshot)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Clients returns the number of connected websocket subscribers.
func (s *Server) Clients() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.clients)
}

// Close disconnects all subscribers and waits for their goroutines to finish.
func (s *Server) Close() {
	s.cancel()
	s.mutex.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mutex.Unlock()
	s.wg.Wait()
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.manager.Send(r.Context(), cmd)
	if err != nil {
		s.log.Warn().Err(err).Str("command", cmd.CommandType()).Msg("Command failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	reply, err := protocol.EncodeNotification(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.manager.Metrics())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, advancedcache.ErrNotInitialized), errors.Is(err, advancedcache.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not upgrade subscriber connection")
		return
	}
	c := &client{
		conn: conn,
		sub:  s.manager.Subscribe(),
	}
	c.log = s.log.With().Str("subscriber", c.sub.ID).Logger()

	s.mutex.Lock()
	s.clients[c] = struct{}{}
	s.mutex.Unlock()
	c.log.Debug().Str("remote", r.RemoteAddr).Msg("Subscriber connected")

	s.wg.Add(2)
	go s.push(c)
	go s.serve(c)
}

func (s *Server) remove(c *client) {
	s.mutex.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mutex.Unlock()
	if !ok {
		return
	}
	s.manager.Unsubscribe(c.sub)
	c.conn.Close()
	c.log.Debug().Msg("Subscriber disconnected")
}

// push writes broadcast notifications to the subscriber and keeps the connection alive.
// It ends when the subscription is closed.
func (s *Server) push(c *client) {
	defer s.wg.Done()
	defer s.remove(c)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-c.sub.C():
			if !ok {
				return
			}
			if err := c.writeNotification(n); err != nil {
				c.log.Debug().Err(err).Int("queued", c.sub.Queued()).Msg("Could not push notification")
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// serve reads commands from the subscriber until the connection is closed.
func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer s.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if typ != websocket.TextMessage {
			continue
		}
		if err := s.execute(c, data); err != nil {
			c.log.Debug().Err(err).Msg("Could not answer subscriber")
			return
		}
	}
}

// execute runs a command received on the socket.
// Replies that are broadcast anyway reach the subscriber through its subscription,
// only metrics snapshots and errors are written directly.
func (s *Server) execute(c *client, data []byte) error {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		return c.writeError(err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	n, err := s.manager.Send(ctx, cmd)
	if err != nil {
		c.log.Warn().Err(err).Str("command", cmd.CommandType()).Msg("Command failed")
		return c.writeError(err)
	}
	if _, ok := cmd.(protocol.GetMetrics); ok {
		return c.writeNotification(n)
	}
	return nil
}

type client struct {
	conn *websocket.Conn
	sub  *notify.Subscriber
	log  zerolog.Logger

	// gorilla connections support one concurrent writer
	writeMutex sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeNotification(n protocol.Notification) error {
	data, err := protocol.EncodeNotification(n)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// ErrorMessage is written to a subscriber whose command could not be executed.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

const TypeError = "ERROR"

func (c *client) writeError(cmdErr error) error {
	data, err := json.Marshal(ErrorMessage{Type: TypeError, Error: cmdErr.Error()})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}
