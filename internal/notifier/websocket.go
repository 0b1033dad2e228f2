package notifier

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscriptions are read-only from the client's perspective; any
	// origin may open one (spec §6: no auth on this thin surface).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla/websocket connection to the Subscriber
// interface: Notify never blocks the publisher, it only enqueues onto a
// buffered channel drained by a dedicated write pump goroutine.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan Message
	log  *logging.Logger
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBufferSize),
		log:  logging.New("notifier"),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

// Notify enqueues msg, dropping it if the client is too slow to keep up
// rather than blocking the Hub's publisher goroutine.
func (s *wsSubscriber) Notify(msg Message) {
	select {
	case s.send <- msg:
	default:
		s.log.Warnf("subscriber %s: send buffer full, dropping %s message", s.id, msg.Kind)
	}
}

func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				s.log.Errorf("subscriber %s: marshal message: %v", s.id, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump's only job is to detect the client closing the connection;
// this transport has no client-to-server messages (spec §6: read-only
// subscription).
func (s *wsSubscriber) readPump(onClose func()) {
	defer onClose()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWS upgrades r to a WebSocket and subscribes it to thingID via hub,
// loading the thing's current state through load for the initial frame.
// It blocks until the client disconnects.
func ServeWS(hub *Hub, thingID string, load func() (*model.Thing, error), w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := newWSSubscriber(conn)
	done := make(chan struct{})

	var initial *model.Thing
	if load != nil {
		initial, err = load()
		if err != nil {
			sub.log.Warnf("subscribe %s: load initial state: %v", thingID, err)
		}
	}

	go sub.writePump()
	hub.Subscribe(thingID, sub, initial)

	sub.readPump(func() {
		hub.Unsubscribe(thingID, sub, "")
		close(sub.send)
		close(done)
	})
	<-done
	return nil
}
