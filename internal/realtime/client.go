package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"glasshub/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var (
	ErrTransportClosed = errors.New("transport closed")
	errSendBufferFull  = errors.New("send buffer full")
)

type frame struct {
	messageType int
	data        []byte
}

// client owns one websocket. Only writePump writes to the socket.
type client struct {
	conn   *websocket.Conn
	send   chan frame
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
	closeMsg  []byte
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *client {
	conn.SetReadLimit(maxMessageSize)
	return &client{
		conn:   conn,
		send:   make(chan frame, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *client) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrTransportClosed
	default:
		return errSendBufferFull
	}
}

func (c *client) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

// CloseWith flushes queued frames and closes the socket with code.
func (c *client) CloseWith(code int, text string) error {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, text)
		close(c.done)
	})
	return nil
}

func (c *client) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// readPump delivers every inbound frame to handle until the socket fails.
func (c *client) readPump(handle func(messageType int, data []byte)) {
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		handle(messageType, data)
	}
}

// writePump writes queued frames and pings until the client is closed.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.done:
			if err := c.flush(); err != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, c.closeMsg)
			return
		}
	}
}

// flush writes frames queued before the close.
func (c *client) flush() error {
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *client) write(f frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(f.messageType, f.data)
}

// glassesConn adapts a client to session.Transport.
type glassesConn struct {
	*client
}

func (g glassesConn) SendJSON(msg protocol.GlassesOutbound) error {
	return g.sendJSON(msg)
}

// tpaConn adapts a client to session.AppConnection.
type tpaConn struct {
	*client
}

func (t *tpaConn) SendJSON(msg protocol.TPAOutbound) error {
	return t.sendJSON(msg)
}

func (t *tpaConn) SendBinary(data []byte) error {
	return t.enqueue(frame{messageType: websocket.BinaryMessage, data: data})
}
