package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	ErrClosed     = errors.New("signaling connection closed")
	ErrBufferFull = errors.New("signaling send buffer full")
)

// Client is the peer side of the signaling socket.
type Client struct {
	conn     *websocket.Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

// Dial connects to the signaling server at serverURL.
func Dial(ctx context.Context, serverURL string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Client{
		conn:     conn,
		outgoing: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		log:      log.With().Str("server", u.Host).Logger(),
	}, nil
}

// Send queues env without blocking.
func (c *Client) Send(env domain.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- b:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run pumps frames until the connection drops or Close is called, handing
// every decoded envelope to deliver. It always returns a non-nil error.
func (c *Client) Run(deliver func(domain.Envelope)) error {
	go c.writePump()
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := domain.ParseEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		deliver(env)
	}
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
