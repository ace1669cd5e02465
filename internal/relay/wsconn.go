package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quietwire/server/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errConnClosed = errors.New("relay: connection closed")

// WSConn adapts a websocket connection to the registry's Pusher. All
// writes funnel through a single pump goroutine; Push only enqueues, so
// it is safe from any goroutine and fails fast once the outbound buffer
// is full or the connection is closing.
type WSConn struct {
	ws        *websocket.Conn
	out       chan protocol.ServerEvent
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSConn(ws *websocket.Conn, bufDepth int) *WSConn {
	c := &WSConn{
		ws:     ws,
		out:    make(chan protocol.ServerEvent, bufDepth),
		closed: make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	go c.writePump()
	return c
}

// Push enqueues an event for the write pump.
func (c *WSConn) Push(evt protocol.ServerEvent) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- evt:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		return errors.New("relay: write buffer full")
	}
}

// Close stops the write pump and closes the underlying socket.
// Idempotent.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// ReadFrame blocks on the next inbound frame.
func (c *WSConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case evt := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(evt); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			// Drain what is already queued before tearing down.
			for {
				select {
				case evt := <-c.out:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteJSON(evt) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
