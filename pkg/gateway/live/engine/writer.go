package engine

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the transport surface the engine needs. *websocket.Conn
// satisfies this interface.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the single goroutine allowed to write to the websocket.
// Frames drain in enqueue order, which is what gives the protocol its
// per-conversation event ordering.
type outboundWriter struct {
	ws     wsConn
	ctx    context.Context
	out    <-chan []byte
	ping   time.Duration
	budget time.Duration
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.ping
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.budget
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	closeConn := func() {
		_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		_ = w.ws.Close()
	}

	for {
		select {
		case <-w.ctx.Done():
			// Drain whatever the engine managed to enqueue before the cancel.
			for {
				select {
				case frame, ok := <-w.out:
					if !ok {
						closeConn()
						return nil
					}
					_ = w.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := w.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
						_ = w.ws.Close()
						return err
					}
				default:
					closeConn()
					return nil
				}
			}
		case frame, ok := <-w.out:
			if !ok {
				closeConn()
				return nil
			}
			_ = w.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = w.ws.Close()
				return err
			}
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}
