package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	xlogger "FolioPull/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var _ drepo.Sink = (*SnapshotStream)(nil)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPing      = streamPongWait * 9 / 10
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// SnapshotStream pushes every snapshot payload to websocket clients at
// /ws/snapshots. A client whose buffer is full is disconnected instead of
// slowing the sink down.
type SnapshotStream struct {
	logger   *xlogger.Logger
	loc      *time.Location
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	last    []byte
	closed  bool
}

func NewSnapshotStream(logger *xlogger.Logger, loc *time.Location, buffer int) *SnapshotStream {
	if buffer <= 0 {
		buffer = 16
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SnapshotStream{
		logger:   logger,
		loc:      loc,
		buffer:   buffer,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*streamClient]struct{}),
	}
}

func (s *SnapshotStream) Name() string { return "websocket" }

func (s *SnapshotStream) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/snapshots", s.Serve)
}

// Clients returns the number of connected clients.
func (s *SnapshotStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *SnapshotStream) Write(_ context.Context, snap *models.MergedSnapshot) error {
	msg, err := json.Marshal(snap.ToPayload(s.loc))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.last = msg
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			delete(s.clients, c)
			c.close()
			s.logger.Warn("websocket client too slow, disconnected",
				xlogger.String("remote", c.conn.RemoteAddr().String()))
		}
	}
	return nil
}

func (s *SnapshotStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	return nil
}

// Serve upgrades the request and sends the latest payload, if any, followed
// by every new one.
func (s *SnapshotStream) Serve(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &streamClient{conn: conn, send: make(chan []byte, s.buffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if s.last != nil {
		client.send <- s.last
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("websocket client connected", xlogger.String("remote", conn.RemoteAddr().String()))
	go s.readLoop(client)
	s.writeLoop(client)
	return nil
}

// readLoop only handles control frames; it unregisters the client when the
// peer goes away.
func (s *SnapshotStream) readLoop(c *streamClient) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c]; ok {
			delete(s.clients, c)
			c.close()
		}
		s.mu.Unlock()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *SnapshotStream) writeLoop(c *streamClient) {
	ticker := time.NewTicker(streamPing)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
