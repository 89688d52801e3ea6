package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/merlab/mer-backend/pkg/logging"
)

// Client frame actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

const maxFrameSize = 4096

// WSConfig configures the websocket endpoint
type WSConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

// DefaultWSConfig returns the endpoint defaults
func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendBuffer: 32,
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
	}
}

// ClientFrame is a subscription request sent by a client
type ClientFrame struct {
	Action string `json:"action"`
	SongID string `json:"song_id"`
}

// WSHandler upgrades HTTP requests and attaches each socket to the hub
type WSHandler struct {
	hub      *Hub
	cfg      WSConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket endpoint. An empty origin list accepts
// any origin.
func NewWSHandler(h *Hub, cfg WSConfig, logger *logging.Logger) *WSHandler {
	def := DefaultWSConfig()
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	w := &WSHandler{hub: h, cfg: cfg, logger: logger}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(cfg.AllowedOrigins) == 0 || origin == "" || lo.Contains(cfg.AllowedOrigins, origin)
		},
	}
	return w
}

// ServeHTTP handles GET /ws?song_id=
func (w *WSHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		w.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Event, w.cfg.SendBuffer),
		done: make(chan struct{}),
		cfg:  w.cfg,
	}
	w.hub.Register(c.id, c)
	log := w.logger.WithField("conn_id", c.id)
	log.Debug("websocket connected")

	if songID := r.URL.Query().Get("song_id"); songID != "" {
		w.subscribe(c, songID)
	}

	go c.writePump()
	c.readPump(func(f ClientFrame) {
		switch f.Action {
		case ActionSubscribe:
			if f.SongID != "" {
				w.subscribe(c, f.SongID)
			}
		case ActionUnsubscribe:
			w.hub.Unsubscribe(c.id, f.SongID)
		default:
			log.Debug("ignoring client frame", map[string]interface{}{"action": f.Action})
		}
	})

	w.hub.Unregister(c.id)
	c.close()
	log.Debug("websocket disconnected")
}

func (w *WSHandler) subscribe(c *client, songID string) {
	if err := w.hub.Subscribe(c.id, songID); err != nil {
		return
	}
	c.Send(Event{Name: EventSubscribed, Data: map[string]string{"songId": songID}})
}

// client is one websocket connection. Events queue on a bounded channel;
// a full channel means the peer is too slow and the socket is closed.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
	cfg       WSConfig
}

func (c *client) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump(onFrame func(ClientFrame)) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		onFrame(f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
