package probe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Client is a minimal signaling client: one reader goroutine decoding server
// frames into Messages, and serialized writes.
type Client struct {
	name string
	conn *websocket.Conn

	writeMu   sync.Mutex
	in        chan protocol.Message
	done      chan struct{}
	err       error
	closing   chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, url, name string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		name: name,
		conn: conn,
		in:      make(chan protocol.Message, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "probe").Str("client", c.name).Msg("undecodable frame")
			continue
		}
		log.Debug().Str("module", "probe").Str("client", c.name).Str("type", string(msg.Type())).Msg("received")
		select {
		case c.in <- msg:
		case <-c.closing:
			c.err = net.ErrClosed
			return
		}
	}
}

func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages yields decoded server frames in arrival order.
func (c *Client) Messages() <-chan protocol.Message { return c.in }

// Done is closed when the connection is gone; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection and stops the reader even when nobody drains
// Messages. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.shutdown()
	})
	return err
}

func (c *Client) shutdown() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

// Await returns the first message of type t. Other messages go to other,
// or are discarded when other is nil.
func (c *Client) Await(ctx context.Context, t protocol.Type, other func(protocol.Message)) (protocol.Message, error) {
	for {
		var m protocol.Message
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s waiting for %s: %w", c.name, t, ctx.Err())
		case m = <-c.in:
		case <-c.done:
			// Frames read before the close are still buffered.
			select {
			case m = <-c.in:
			default:
				return nil, fmt.Errorf("%s closed while waiting for %s: %v", c.name, t, c.err)
			}
		}
		if m.Type() == t {
			return m, nil
		}
		if other != nil {
			other(m)
		}
	}
}
