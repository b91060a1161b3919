package streamclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

type (
	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	wsWrite struct {
		ctx  context.Context
		data []byte
		done chan error
	}

	// WsConnection is a Transport over github.com/fasthttp/websocket. Reads and writes run on
	// their own goroutines; writes are funneled through a channel so the socket has a single
	// writer.
	WsConnection struct {
		*connLifecycle
		errAdapters ErrorAdapters
		logger      Logger
		dialer      *websocket.Dialer
		connMu      sync.Mutex
		conn        *websocket.Conn
		send        chan wsWrite
	}
)

func NewWebsocketConnection(
	dialer *websocket.Dialer,
	logger Logger,
	events TransportEvents,
	errorHandlers ErrorAdapters,
) *WsConnection {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WsConnection{
		connLifecycle: newConnLifecycle(events),
		errAdapters:   errorHandlers,
		dialer:        dialer,
		send:          make(chan wsWrite),
		logger:        logger.WithField("net", "ws_connection"),
	}
}

// NewWebsocketFactory returns a TransportFactory of fasthttp websocket connections. A nil
// dialer means websocket.DefaultDialer.
func NewWebsocketFactory(
	logger Logger,
	dialer *websocket.Dialer,
	errorHandlers ErrorAdapters,
) TransportFactory {
	return func(events TransportEvents) Transport {
		return NewWebsocketConnection(dialer, logger, events, errorHandlers)
	}
}

// Open dials the server. This method is blocking and returns when the connection is
// established or failed. ctx only bounds the handshake.
func (w *WsConnection) Open(ctx context.Context, p OpenConnectionParams) error {
	conn, resp, err := w.dialer.DialContext(ctx, p.URL.String(), p.Header)

	if err = w.handleDialError(conn, resp, err, p); err != nil {
		w.logger.Errorf("connection err to %s: %s", p.URL.Redacted(), err)
		return err
	}

	w.connMu.Lock()
	if w.isClosed() {
		w.connMu.Unlock()
		_ = conn.Close()
		return errors.Wrap(ErrTerminated, "closed while dialing")
	}
	w.conn = conn
	w.opened.Store(true)
	w.connMu.Unlock()

	w.logger.Debugf("success opening connection to %s", p.URL.Redacted())

	go w.read()
	go w.write()

	return nil
}

// Write queues data for the writer goroutine and waits for the outcome.
func (w *WsConnection) Write(ctx context.Context, data []byte) error {
	req := wsWrite{ctx: ctx, data: data, done: make(chan error, 1)}

	select {
	case w.send <- req:
	case <-w.closeChan:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-w.closeChan:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the connection from our side, sending a close frame first.
func (w *WsConnection) Close() {
	w.setCloseReason(ErrTerminated)
	w.shutdown(func() {
		conn := w.current()
		if conn == nil {
			return
		}
		w.logger.Infoln("closing connection from our side")
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = conn.Close()
	})
}

func (w *WsConnection) read() {
	defer w.safeClose()

	for {
		messageType, bts, err := w.conn.ReadMessage()
		if err != nil {
			if w.isClosed() {
				return
			}
			w.logger.Errorf("error occurred on websocket read: %s", err)

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.setCloseReason(errors.Wrap(ErrConnectionClosed, "closed by server"))
			} else {
				w.setCloseReason(errors.Wrap(
					ErrConnectionClosed,
					"error occurred on websocket read: "+err.Error(),
				))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			w.logger.Debugf("<= [DATA] %s", bts)
			w.events.message(bts)
		}
	}
}

func (w *WsConnection) write() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			return
		case req := <-w.send:
			deadline := time.Now().Add(time.Second)
			if d, ok := req.ctx.Deadline(); ok {
				deadline = d
			}
			_ = w.conn.SetWriteDeadline(deadline)

			w.logger.Debugf("=> [DATA] %s", req.data)
			err := w.conn.WriteMessage(websocket.TextMessage, req.data)
			req.done <- err

			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					w.setCloseReason(ErrConnectionClosed)
				} else {
					w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				}
				return
			}
		}
	}
}

func (w *WsConnection) safeClose() {
	w.shutdown(func() {
		if conn := w.current(); conn != nil {
			_ = conn.Close()
		}
	})
}

func (w *WsConnection) current() *websocket.Conn {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return w.conn
}

func (w *WsConnection) handleDialError(
	conn *websocket.Conn,
	resp *http.Response,
	err error,
	p OpenConnectionParams,
) error {
	if w.errAdapters.OnDial != nil {
		return w.errAdapters.OnDial(conn, resp, err)
	}
	return classifyDialError(p.URL, resp, err)
}
