package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	ua "github.com/mssola/user_agent"
	"github.com/sirupsen/logrus"

	"route-tracker/internal/gateway"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	inboundQueue   = 32
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// envelope is the wire frame in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsConn implements broadcast.Conn. Send only enqueues; a dedicated writer
// goroutine owns all writes to the socket.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload any) error {
	b, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		// A subscriber that cannot keep up is disconnected rather than
		// allowed to stall the route.
		c.shutdown()
		return errSlowConsumer
	}
}

// Close disconnects the client; the reader then notices and finishes the
// session.
func (c *wsConn) Close() { c.shutdown() }

// shutdown tells writePump to send a close frame and hang up. Only writePump
// closes the socket.
func (c *wsConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writePump(ping time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

type inbound struct {
	event string
	data  json.RawMessage
}

// serveWS upgrades the request and runs the connection until it closes. The
// reader runs here, events are handled in order by one worker, and writes go
// through writePump.
func (s *Server) serveWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, s.opts.SendBuffer)
	log := s.log.WithField("session_id", conn.id)
	logClient(log, c)

	sess := s.gw.Open(c.Request.Context(), conn)
	go conn.writePump(s.opts.PingInterval, log)

	events := make(chan inbound, inboundQueue)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if err := s.gw.Dispatch(sess.Context(), sess, ev.event, ev.data); err != nil {
				log.WithField("event", ev.event).WithError(err).Debug("event not handled")
			}
		}
	}()

	pongWait := 2 * s.opts.PingInterval
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

read:
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Info("websocket closed unexpectedly")
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = conn.Send(gateway.EventInvalidPayload, gateway.Failure{Message: "Expected {\"event\": name, \"data\": {...}}"})
			continue
		}
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("{}")
		}
		select {
		case events <- inbound{event: env.Event, data: env.Data}:
		case <-conn.done:
			break read
		}
	}

	// Release the route before waiting on anything the worker is doing.
	s.gw.Close(sess)
	conn.shutdown()
	close(events)
	wg.Wait()
	log.Debug("websocket session finished")
}

func logClient(log logrus.FieldLogger, c *gin.Context) {
	agent := ua.New(c.Request.UserAgent())
	browser, version := agent.Browser()
	log.WithFields(logrus.Fields{
		"ip":      c.ClientIP(),
		"os":      agent.OS(),
		"browser": browser + " " + version,
		"mobile":  agent.Mobile(),
		"bot":     agent.Bot(),
	}).Info("websocket session opened")
}
