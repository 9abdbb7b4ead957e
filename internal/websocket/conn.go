package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the part of *websocket.Conn the client pumps use
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

type connWrapper struct {
	*websocket.Conn
}

// WrapConn adapts a gorilla connection to Connection
func WrapConn(c *websocket.Conn) Connection {
	return connWrapper{Conn: c}
}

func (w connWrapper) RemoteAddr() string {
	if addr := w.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
