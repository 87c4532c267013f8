package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kaverin/echorelay/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 64

	// Rate limiting: 20 messages per second with a burst of 30
	messagesPerSecond = 20
	burstLimit        = 30
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

func NewClient(hub *Hub, conn *websocket.Conn, user models.User, handler MessageHandler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     hub,
		conn:    conn,
		user:    user,
		connId:  uuid.Must(uuid.NewV4()).String(),
		handler: handler,
		Send:    make(chan []byte, 128),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is a middleman between the websocket connection and the hub. It is
// also the live connection handle the presence registry tracks.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	user    models.User
	connId  string
	handler MessageHandler
	Send    chan []byte // Buffered channel of outbound messages.
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

func (c *Client) ID() string {
	return c.connId
}

// Deliver queues a message for the peer without blocking the caller. A full
// send buffer means the peer is not keeping up; the message is dropped and
// the socket's own liveness handling will deal with the connection.
func (c *Client) Deliver(message []byte) {
	select {
	case c.Send <- message:
	default:
		log.Printf("Dropping message for user %d: send buffer full", c.user.Id)
	}
}

type terminatedData struct {
	Reason string `json:"reason"`
}

// Terminate tells the peer why the session is over, then shuts the
// connection down. Used on replacement by a newer connection and on
// heartbeat timeout.
func (c *Client) Terminate(reason string) {
	msg := struct {
		Type string         `json:"type"`
		Data terminatedData `json:"data"`
	}{Type: "session_terminated", Data: terminatedData{Reason: reason}}

	if msgBytes, err := json.Marshal(msg); err == nil {
		c.Deliver(msgBytes)
	}
	c.cancel()
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.CloseCh <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS close error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			log.Printf("Closing connection for user %d: message rate limit exceeded", c.user.Id)
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WS send error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			// Flush whatever is queued (the termination notice included)
			// before closing.
			for {
				select {
				case message := <-c.Send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.TextMessage, message)
				default:
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Session terminated"),
					)
					return
				}
			}

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
