package streamclient

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
)

// coderConnection is a Transport over github.com/coder/websocket, whose Conn is safe for
// concurrent writes and takes a context on every operation.
type coderConnection struct {
	*connLifecycle
	logger  Logger
	options *websocket.DialOptions
	connMu  sync.Mutex
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoderFactory returns a TransportFactory of coder websocket connections. Handshake headers
// from OpenConnectionParams are merged over opts.HTTPHeader.
func NewCoderFactory(logger Logger, opts *websocket.DialOptions) TransportFactory {
	return func(events TransportEvents) Transport {
		ctx, cancel := context.WithCancel(context.Background())
		return &coderConnection{
			connLifecycle: newConnLifecycle(events),
			logger:        logger.WithField("net", "coder_connection"),
			options:       opts,
			ctx:           ctx,
			cancel:        cancel,
		}
	}
}

func (c *coderConnection) Open(ctx context.Context, p OpenConnectionParams) error {
	opts := &websocket.DialOptions{}
	if c.options != nil {
		copied := *c.options
		opts = &copied
	}
	header := opts.HTTPHeader.Clone()
	if header == nil {
		header = p.Header.Clone()
	} else {
		for k, vs := range p.Header {
			header[k] = vs
		}
	}
	opts.HTTPHeader = header

	conn, resp, err := websocket.Dial(ctx, p.URL.String(), opts)
	if err = classifyDialError(p.URL, resp, err); err != nil {
		c.logger.Errorf("connection err to %s: %s", p.URL.Redacted(), err)
		return err
	}

	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		_ = conn.CloseNow()
		return errors.Wrap(ErrTerminated, "closed while dialing")
	}
	c.conn = conn
	c.opened.Store(true)
	c.connMu.Unlock()

	c.logger.Debugf("success opening connection to %s", p.URL.Redacted())

	go c.read(conn)

	return nil
}

func (c *coderConnection) Write(ctx context.Context, data []byte) error {
	conn := c.current()
	if conn == nil || c.isClosed() {
		return ErrConnectionClosed
	}

	c.logger.Debugf("=> [DATA] %s", data)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

// Close drops the connection without waiting for the close handshake.
func (c *coderConnection) Close() {
	c.setCloseReason(ErrTerminated)
	c.release()
}

func (c *coderConnection) read(conn *websocket.Conn) {
	defer c.release()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.isClosed() {
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.setCloseReason(errors.Wrap(ErrConnectionClosed, "closed by server"))
			} else {
				c.logger.Errorf("error occurred on websocket read: %s", err)
				c.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
			}
			return
		}

		c.logger.Debugf("<= [DATA] %s", data)
		c.events.message(data)
	}
}

func (c *coderConnection) release() {
	c.shutdown(func() {
		c.cancel()
		if conn := c.current(); conn != nil {
			_ = conn.CloseNow()
		}
	})
}

func (c *coderConnection) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}
