package streamclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// streamClient is the Client implementation. All mutable connection state is guarded by mu.
// Transport and timer callbacks carry the epoch of the connection they were created for and
// are ignored once the epoch moved on, so a superseded or disconnected transport can no
// longer affect the client. Subscriber and observer callbacks never run with mu held.
type streamClient struct {
	cfg          Config
	session      string
	logger       Logger
	clock        Clock
	params       OpenConnectionParamsRepo
	newTransport TransportFactory
	limiter      RateLimiter
	heartbeat    *heartbeatMonitor
	reconnect    *reconnectController
	frames       *Registry[FrameType, json.RawMessage]
	events       *Registry[EventType, Event]
	metrics      *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         ConnectionState
	target        Target
	explicitToken string
	// pinToken makes the next dial use explicitToken over the provider. Reconnects pull the
	// provider first.
	pinToken bool
	transport     Transport
	epoch         uint64
	// closed is set by Disconnect and cleared by the next explicit Connect. While set, no
	// reconnection is scheduled.
	closed   bool
	disposed bool
	pending  []Event
}

// New validates cfg and builds a disconnected client.
func New(cfg Config, opts ...Option) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	session := uuid.NewString()
	logger := o.logger.
		WithField("component", "streamclient").
		WithField("session", session)

	params, err := NewOpenConnectionParamsRepo(
		logger.WithField("repo", "open_conn_params"),
		cfg.URL,
		cfg.AuthMode,
		cfg.TokenParam,
		o.tokens,
	)
	if err != nil {
		return nil, err
	}

	newTransport := o.transport
	if newTransport == nil {
		newTransport = NewTransportFactory(cfg.Transport, logger)
	}

	limiter := o.limiter
	if limiter == nil {
		limiter = newRateLimiter(cfg.RateLimit, o.clock)
	}

	var metrics *Metrics
	if o.registerer != nil {
		if metrics, err = NewMetrics(o.registerer); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(o.ctx)

	c := &streamClient{
		cfg:          cfg,
		session:      session,
		logger:       logger,
		clock:        o.clock,
		params:       params,
		newTransport: newTransport,
		limiter:      limiter,
		heartbeat:    newHeartbeatMonitor(o.clock, cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout),
		reconnect:    newReconnectController(o.clock, cfg.Reconnect.MaxAttempts, cfg.backoff()),
		frames:       NewRegistry[FrameType, json.RawMessage](),
		events:       NewRegistry[EventType, Event](),
		metrics:      metrics,
		ctx:          ctx,
		cancel:       cancel,
	}

	c.frames.OnPanic(func(t FrameType, rec any) {
		c.logger.Errorf("%s", SubscriberPanicError{Key: t, Value: rec})
	})
	c.events.OnPanic(func(t EventType, rec any) {
		c.logger.Errorf("%s", SubscriberPanicError{Key: t, Value: rec})
	})

	return c, nil
}

// NewClientFactory returns a factory building clients from the same configuration.
func NewClientFactory(cfg Config, opts ...Option) ClientFactory {
	return func() (Client, error) {
		return New(cfg, opts...)
	}
}

func (c *streamClient) Connect(ctx context.Context, target Target) error {
	return c.connect(ctx, target, "")
}

func (c *streamClient) ConnectWithToken(ctx context.Context, target Target, token string) error {
	return c.connect(ctx, target, token)
}

func (c *streamClient) connect(ctx context.Context, target Target, token string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrTerminated
	}

	if (c.state == StateOpen || c.state == StateConnecting) && c.target.Equal(target) {
		c.mu.Unlock()
		return nil
	}

	c.closed = false
	c.reconnect.Reset()
	c.target = target
	c.explicitToken = token
	c.pinToken = token != ""
	old := c.detachLocked()
	c.unlockAndNotify()

	if old != nil {
		c.logger.Infof("switching stream to %s", target)
		old.Close()
	}

	return c.dial(ctx)
}

// dial opens a fresh transport to the current target. It returns with mu released.
func (c *streamClient) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.disposed {
		c.mu.Unlock()
		return ErrNotConnected
	}

	c.epoch++
	epoch := c.epoch
	target := c.target
	token := c.explicitToken
	pin := c.pinToken
	c.pinToken = false

	t := c.newTransport(TransportEvents{
		OnMessage: func(data []byte) { c.handleMessage(epoch, data) },
		OnClose:   func(err error) { c.handleClose(epoch, err) },
	})
	c.transport = t
	c.setStateLocked(StateConnecting)
	c.unlockAndNotify()

	err := c.open(ctx, t, target, token, pin)

	c.mu.Lock()
	if epoch != c.epoch {
		c.unlockAndNotify()
		t.Close()
		if err != nil {
			return err
		}
		return errors.Wrap(ErrConnectionClosed, "connection superseded while dialing")
	}

	if err != nil {
		c.logger.Errorf("cannot connect to %s: %s", target, err)
		c.epoch++
		c.transport = nil
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked(err)
		c.unlockAndNotify()
		t.Close()
		return err
	}

	c.logger.Infof("stream connected to %s", target)
	c.reconnect.Succeeded()
	c.setStateLocked(StateOpen)
	c.heartbeat.Start(
		func() { c.probe(epoch) },
		func() { c.heartbeatExpired(epoch) },
	)
	c.unlockAndNotify()

	return nil
}

func (c *streamClient) open(ctx context.Context, t Transport, target Target, token string, pin bool) error {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	var (
		params OpenConnectionParams
		err    error
	)
	if pin {
		params, err = c.params.GetWithToken(ctx, target, token)
	} else {
		params, err = c.params.Get(ctx, target, token)
	}
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return t.Open(ctx, params)
}

func (c *streamClient) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.reconnect.Cancel()
	t := c.detachLocked()
	epoch := c.epoch
	if t != nil {
		c.setStateLocked(StateClosing)
	}
	c.unlockAndNotify()

	if t != nil {
		c.logger.Infoln("closing stream from our side")
		t.Close()
	}

	c.mu.Lock()
	// A Connect issued while the transport was closing owns the client from now on.
	if epoch == c.epoch && c.closed {
		c.frames.Clear()
		c.setStateLocked(StateDisconnected)
	}
	c.unlockAndNotify()
}

func (c *streamClient) Dispose() {
	c.Disconnect()

	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()

	c.cancel()
	c.events.Clear()
}

func (c *streamClient) Send(ctx context.Context, t FrameType) error {
	payload, err := Encode(t)
	if err != nil {
		return err
	}
	return c.send(ctx, t, payload)
}

func (c *streamClient) SendData(ctx context.Context, t FrameType, data any) error {
	payload, err := EncodeData(t, data)
	if err != nil {
		return err
	}
	return c.send(ctx, t, payload)
}

func (c *streamClient) send(ctx context.Context, ft FrameType, payload []byte) error {
	c.mu.Lock()
	t := c.transport
	open := c.state == StateOpen && t != nil
	c.mu.Unlock()

	if !open {
		c.metrics.sendDenied("not_connected")
		return ErrNotConnected
	}

	if !c.limiter.TryConsume(ft) {
		c.metrics.sendDenied("rate_limited")
		c.logger.Debugf("send of %s skipped by rate limiter", ft)
		return ErrRateLimited
	}

	if err := c.write(ctx, t, payload); err != nil {
		return errors.Wrapf(err, "cannot send %s", ft)
	}

	c.metrics.frameSent(ft)
	return nil
}

func (c *streamClient) write(ctx context.Context, t Transport, payload []byte) error {
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return t.Write(ctx, payload)
}

func (c *streamClient) On(t FrameType, cb Callback) *Subscription {
	return newSubscription([]FrameType{t}, c.frames.On(t, cb))
}

func (c *streamClient) Off(sub *Subscription) {
	sub.Unsubscribe()
}

// SubscribeToLogs registers cb for log entries and connects to the log stream narrowed by
// filters. A failed connection is left to the reconnection controller and reported to
// observers; the subscription stays registered.
func (c *streamClient) SubscribeToLogs(
	ctx context.Context,
	cb func(LogEntry),
	filters LogFilters,
) *Subscription {
	sub := c.On(FrameLogEntry, decodeInto(c, FrameLogEntry, cb))
	c.connectInBackground(ctx, LogsTarget(filters))
	return sub
}

// SubscribeToTaskUpdates registers cb for status, progress and completion of taskID and
// connects to the task stream.
func (c *streamClient) SubscribeToTaskUpdates(
	ctx context.Context,
	taskID string,
	cb func(TaskUpdate),
) *Subscription {
	disposers := make([]Unsubscribe, 0, len(TaskFrameTypes))
	for _, t := range TaskFrameTypes {
		disposers = append(disposers, c.frames.On(t, func(data json.RawMessage) {
			cb(TaskUpdate{Type: t, Data: data})
		}))
	}
	sub := newSubscription(TaskFrameTypes, disposers...)

	c.connectInBackground(ctx, TaskTarget(taskID))
	return sub
}

// SubscribeToNotifications registers cb on the current connection, whatever its target.
func (c *streamClient) SubscribeToNotifications(cb func(Notification)) *Subscription {
	return c.On(FrameNotification, decodeInto(c, FrameNotification, cb))
}

func (c *streamClient) OnEvent(t EventType, fn func(Event)) Unsubscribe {
	return c.events.On(t, fn)
}

func (c *streamClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamClient) IsConnected() bool {
	return c.State() == StateOpen
}

func (c *streamClient) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *streamClient) LastPongAt() time.Time {
	return c.heartbeat.LastPongAt()
}

func (c *streamClient) Session() string {
	return c.session
}

func (c *streamClient) connectInBackground(ctx context.Context, target Target) {
	if err := c.Connect(ctx, target); err != nil {
		c.logger.Warnf("initial connection to %s failed, reconnection pending: %s", target, err)
	}
}

func (c *streamClient) handleMessage(epoch uint64, data []byte) {
	c.mu.Lock()
	current := epoch == c.epoch
	c.mu.Unlock()

	if !current {
		return
	}

	frame, err := Decode(data)
	if err != nil {
		c.logger.Errorf("dropping frame: %s", err)
		c.metrics.decodeFailed()
		c.events.Emit(EventDecodeError, Event{Type: EventDecodeError, Err: err})
		return
	}

	c.metrics.frameReceived(frame.Type)

	switch {
	case frame.Type.IsPong():
		c.logger.Debugln("<= [PONG]")
		c.heartbeat.Pong()
	case frame.Type.IsPing():
		c.logger.Debugln("<= [PING]")
	case frame.Type.IsError():
		c.handleServerError(frame)
	default:
		if n := c.frames.Emit(frame.Type, frame.Data); n == 0 {
			c.logger.Debugf("no subscribers for %s, dropped", frame.Type)
		}
	}
}

func (c *streamClient) handleServerError(frame Frame) {
	serverErr := ServerError{Message: frame.Message, RetryAfter: frame.RetryAfterDuration()}
	if serverErr.Message == "" && frame.HasData() {
		serverErr.Message = string(frame.Data)
	}

	if serverErr.IsRateLimit() {
		c.logger.Warnf("server asked to slow down: %s", serverErr)
	} else {
		c.logger.Errorf("%s", serverErr)
	}

	c.events.Emit(EventServerError, Event{Type: EventServerError, Target: c.Target(), Err: serverErr})
}

func (c *streamClient) handleClose(epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.logger.Warnf("stream to %s closed: %s", c.target, err)
	} else {
		c.logger.Infof("stream to %s closed", c.target)
	}

	c.epoch++
	c.transport = nil
	c.heartbeat.Stop()
	c.setStateLocked(StateDisconnected)
	if !c.closed {
		c.scheduleReconnectLocked(err)
	}
	c.unlockAndNotify()
}

func (c *streamClient) probe(epoch uint64) {
	c.mu.Lock()
	t := c.transport
	if epoch != c.epoch || c.state != StateOpen || t == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	payload, err := Encode(FramePing)
	if err != nil {
		c.logger.Errorf("cannot encode ping: %s", err)
		return
	}

	c.logger.Debugln("=> [PING]")
	if err := c.write(c.ctx, t, payload); err != nil {
		c.logger.Warnf("cannot send ping: %s", err)
		return
	}
	c.metrics.frameSent(FramePing)
}

func (c *streamClient) heartbeatExpired(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	c.logger.Warnf("no pong since %s, dropping connection", c.heartbeat.LastPongAt().Format(time.RFC3339))
	c.metrics.heartbeatTimedOut()
	c.pending = append(c.pending, Event{
		Type:   EventHeartbeatTimeout,
		Target: c.target,
		Err:    ErrHeartbeatTimeout,
	})

	t := c.detachLocked()
	c.setStateLocked(StateDisconnected)
	if !c.closed {
		c.scheduleReconnectLocked(ErrHeartbeatTimeout)
	}
	c.unlockAndNotify()

	if t != nil {
		t.Close()
	}
}

func (c *streamClient) reconnectNow() {
	c.mu.Lock()
	skip := c.closed || c.disposed || c.transport != nil
	c.mu.Unlock()

	if skip {
		return
	}

	if err := c.dial(c.ctx); err != nil {
		c.logger.Warnf("reconnection failed: %s", err)
	}
}

func (c *streamClient) scheduleReconnectLocked(cause error) {
	attempt, delay, err := c.reconnect.Schedule(c.reconnectNow)
	if err != nil {
		if cause != nil {
			err = errors.Wrapf(err, "last error: %s", cause)
		}
		c.logger.Errorf("%s after %d attempts", err, attempt)
		c.pending = append(c.pending, Event{
			Type:    EventReconnectFailed,
			Target:  c.target,
			Attempt: attempt,
			Err:     err,
		})
		return
	}

	c.metrics.reconnectScheduled()
	c.logger.Infof(
		"attempting to reconnect (%d/%d) in %s",
		attempt, c.cfg.Reconnect.MaxAttempts, delay,
	)
	c.pending = append(c.pending, Event{
		Type:    EventReconnectScheduled,
		Target:  c.target,
		Attempt: attempt,
		Delay:   delay,
		Err:     cause,
	})
}

// detachLocked invalidates the current transport callbacks, stops the heartbeat and returns
// the transport for the caller to close once mu is released.
func (c *streamClient) detachLocked() Transport {
	c.epoch++
	c.heartbeat.Stop()
	t := c.transport
	c.transport = nil
	return t
}

func (c *streamClient) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}

	prev := c.state
	c.state = s
	c.metrics.stateChanged(s)
	c.pending = append(c.pending, Event{
		Type:     EventStateChange,
		State:    s,
		Previous: prev,
		Target:   c.target,
	})
}

// unlockAndNotify releases mu and then delivers the observer events queued while it was held.
func (c *streamClient) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ev := range pending {
		c.events.Emit(ev.Type, ev)
	}
}

func decodeInto[T any](c *streamClient, t FrameType, cb func(T)) Callback {
	return func(data json.RawMessage) {
		var v T
		if len(data) == 0 || string(data) == "null" {
			cb(v)
			return
		}
		if err := json.Unmarshal(data, &v); err != nil {
			err = errors.Wrapf(ErrDecode, "%s payload: %s", t, err)
			c.logger.Errorf("dropping frame: %s", err)
			c.metrics.decodeFailed()
			c.events.Emit(EventDecodeError, Event{Type: EventDecodeError, Err: err})
			return
		}
		cb(v)
	}
}
