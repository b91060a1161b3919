package streamclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// gorillaConnection is a Transport over github.com/gorilla/websocket. Gorilla allows one
// concurrent writer, so writes are serialized with writeMu instead of a writer goroutine.
type gorillaConnection struct {
	*connLifecycle
	logger  Logger
	dialer  *websocket.Dialer
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewGorillaFactory returns a TransportFactory of gorilla websocket connections. A nil dialer
// means websocket.DefaultDialer.
func NewGorillaFactory(logger Logger, dialer *websocket.Dialer) TransportFactory {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return func(events TransportEvents) Transport {
		return &gorillaConnection{
			connLifecycle: newConnLifecycle(events),
			logger:        logger.WithField("net", "gorilla_connection"),
			dialer:        dialer,
		}
	}
}

func (g *gorillaConnection) Open(ctx context.Context, p OpenConnectionParams) error {
	conn, resp, err := g.dialer.DialContext(ctx, p.URL.String(), p.Header)
	if err = classifyDialError(p.URL, resp, err); err != nil {
		g.logger.Errorf("connection err to %s: %s", p.URL.Redacted(), err)
		return err
	}

	g.connMu.Lock()
	if g.isClosed() {
		g.connMu.Unlock()
		_ = conn.Close()
		return errors.Wrap(ErrTerminated, "closed while dialing")
	}
	g.conn = conn
	g.opened.Store(true)
	g.connMu.Unlock()

	g.logger.Debugf("success opening connection to %s", p.URL.Redacted())

	go g.read()

	return nil
}

func (g *gorillaConnection) Write(ctx context.Context, data []byte) error {
	conn := g.current()
	if conn == nil || g.isClosed() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	g.logger.Debugf("=> [DATA] %s", data)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		g.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
		g.release()
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

func (g *gorillaConnection) Close() {
	g.setCloseReason(ErrTerminated)
	g.shutdown(func() {
		conn := g.current()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	})
}

func (g *gorillaConnection) read() {
	defer g.release()

	conn := g.current()
	for {
		messageType, bts, err := conn.ReadMessage()
		if err != nil {
			if g.isClosed() {
				return
			}
			g.logger.Errorf("error occurred on websocket read: %s", err)
			g.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
			return
		}

		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			g.logger.Debugf("<= [DATA] %s", bts)
			g.events.message(bts)
		}
	}
}

func (g *gorillaConnection) release() {
	g.shutdown(func() {
		if conn := g.current(); conn != nil {
			_ = conn.Close()
		}
	})
}

func (g *gorillaConnection) current() *websocket.Conn {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conn
}
