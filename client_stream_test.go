package streamclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

var errBoom = errors.New("boom")

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []Event
	for _, e := range r.events {
		if e.Type == t {
			res = append(res, e)
		}
	}
	return res
}

type StreamClientTestSuite struct {
	suite.Suite

	ctx      context.Context
	cfg      Config
	clock    *manualClock
	network  *fakeNetwork
	tokens   *mockTokenProvider
	registry *prometheus.Registry
	recorder *eventRecorder
	client   Client
}

func TestStreamClientTestSuite(t *testing.T) {
	suite.Run(t, new(StreamClientTestSuite))
}

func (s *StreamClientTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = DefaultConfig()
	s.clock = newManualClock()
	s.network = &fakeNetwork{}
	s.tokens = &mockTokenProvider{}
	s.tokens.On("CurrentAuthToken").Return("secret", true).Maybe()
	s.recorder = &eventRecorder{}
	s.client = s.newClient(s.cfg)
}

func (s *StreamClientTestSuite) TearDownTest() {
	s.client.Dispose()
}

func (s *StreamClientTestSuite) newClient(cfg Config) Client {
	s.registry = prometheus.NewRegistry()
	c, err := New(cfg,
		WithClock(s.clock),
		WithTransportFactory(s.network.Factory()),
		WithTokenProvider(s.tokens),
		WithMetrics(s.registry),
	)
	s.Require().NoError(err)

	for _, t := range []EventType{
		EventStateChange,
		EventReconnectScheduled,
		EventReconnectFailed,
		EventHeartbeatTimeout,
		EventServerError,
		EventDecodeError,
	} {
		c.OnEvent(t, s.recorder.record)
	}
	return c
}

func (s *StreamClientTestSuite) internal() *streamClient {
	return s.client.(*streamClient)
}

func (s *StreamClientTestSuite) connectLogs() *fakeTransport {
	s.Require().NoError(s.client.Connect(s.ctx, LogsTarget(LogFilters{})))
	s.Require().Equal(StateOpen, s.client.State())
	return s.network.Last()
}

func (s *StreamClientTestSuite) TestNewRejectsInvalidConfig() {
	cfg := DefaultConfig()
	cfg.URL = "http://localhost"

	_, err := New(cfg)

	s.ErrorIs(err, ErrInvalidConfig)
}

func (s *StreamClientTestSuite) TestConnectOpensTargetWithToken() {
	s.Equal(StateDisconnected, s.client.State())

	s.Require().NoError(s.client.Connect(s.ctx, LogsTarget(LogFilters{Level: "error"})))

	s.True(s.client.IsConnected())
	s.Equal("logs?level=error", s.client.Target().String())

	p := s.network.Last().Params()
	s.Equal("/ws/logs", p.URL.Path)
	s.Equal("error", p.URL.Query().Get("level"))
	s.Equal("secret", p.URL.Query().Get("token"))

	states := s.recorder.Of(EventStateChange)
	s.Require().Len(states, 2)
	s.Equal(StateConnecting, states[0].State)
	s.Equal(StateOpen, states[1].State)
	s.Equal(StateConnecting, states[1].Previous)
}

func (s *StreamClientTestSuite) TestConnectSameTargetIsNoop() {
	s.connectLogs()

	s.Require().NoError(s.client.Connect(s.ctx, LogsTarget(LogFilters{})))

	s.Equal(1, s.network.Count())
}

func (s *StreamClientTestSuite) TestConnectOtherTargetReplacesConnection() {
	first := s.connectLogs()

	s.Require().NoError(s.client.Connect(s.ctx, TaskTarget("42")))

	s.Equal(2, s.network.Count())
	s.True(first.IsClosed())
	s.Equal("tasks/42", s.client.Target().String())
	s.True(s.client.IsConnected())
}

func (s *StreamClientTestSuite) TestStaleTransportIsIgnored() {
	first := s.connectLogs()
	s.Require().NoError(s.client.Connect(s.ctx, TaskTarget("42")))

	var got int
	s.client.On(FrameNotification, func(json.RawMessage) { got++ })

	first.Receive(`{"type":"notification","data":{"title":"late"}}`)
	first.Drop(errBoom)

	s.Zero(got)
	s.True(s.client.IsConnected())
	s.Empty(s.recorder.Of(EventReconnectScheduled))
}

func (s *StreamClientTestSuite) TestConnectWithTokenWinsOnFirstDialOnly() {
	tokens := &mockTokenProvider{}
	tokens.On("CurrentAuthToken").Return("refreshed", true)
	c, err := New(s.cfg,
		WithClock(s.clock),
		WithTransportFactory(s.network.Factory()),
		WithTokenProvider(tokens),
	)
	s.Require().NoError(err)
	defer c.Dispose()

	s.Require().NoError(c.ConnectWithToken(s.ctx, LogsTarget(LogFilters{}), "explicit"))
	first := s.network.Last()
	p := first.Params()
	s.Equal("explicit", p.URL.Query().Get("token"))

	first.Drop(errBoom)
	s.clock.Advance(time.Second)

	s.True(c.IsConnected())
	p = s.network.Last().Params()
	s.Equal("refreshed", p.URL.Query().Get("token"))
}

func (s *StreamClientTestSuite) TestConnectWithTokenFallsBackWhenProviderHasNone() {
	tokens := &mockTokenProvider{}
	tokens.On("CurrentAuthToken").Return("", false)
	c, err := New(s.cfg,
		WithClock(s.clock),
		WithTransportFactory(s.network.Factory()),
		WithTokenProvider(tokens),
	)
	s.Require().NoError(err)
	defer c.Dispose()

	s.Require().NoError(c.ConnectWithToken(s.ctx, LogsTarget(LogFilters{}), "explicit"))

	p := s.network.Last().Params()
	s.Equal("explicit", p.URL.Query().Get("token"))
}

func (s *StreamClientTestSuite) TestLogEntryDeliveredOnce() {
	var entries []LogEntry
	sub := s.client.SubscribeToLogs(s.ctx, func(e LogEntry) {
		entries = append(entries, e)
	}, LogFilters{Level: "error"})

	s.Require().True(s.client.IsConnected())
	s.network.Last().Receive(`{"type":"log_entry","data":{"level":"error","message":"disk full","task_id":"t1"}}`)

	s.Require().Len(entries, 1)
	s.Equal("error", entries[0].Level)
	s.Equal("disk full", entries[0].Message)
	s.Equal("t1", entries[0].TaskID)
	s.Equal([]FrameType{FrameLogEntry}, sub.Types())

	sub.Unsubscribe()
	s.network.Last().Receive(`{"type":"log_entry","data":{"level":"error","message":"again"}}`)
	s.Len(entries, 1)
}

func (s *StreamClientTestSuite) TestUnknownFrameTypeIsDropped() {
	var got int
	s.client.SubscribeToLogs(s.ctx, func(LogEntry) { got++ }, LogFilters{})

	s.network.Last().Receive(`{"type":"mystery","data":{"x":1}}`)

	s.Zero(got)
	s.True(s.client.IsConnected())
	s.Empty(s.recorder.Of(EventDecodeError))
}

func (s *StreamClientTestSuite) TestTaskUpdatesComposite() {
	var updates []TaskUpdate
	sub := s.client.SubscribeToTaskUpdates(s.ctx, "42", func(u TaskUpdate) {
		updates = append(updates, u)
	})

	t := s.network.Last()
	s.Equal("/ws/tasks/42", t.Params().URL.Path)

	t.Receive(`{"type":"task_status","data":{"status":"running"}}`)
	t.Receive(`{"type":"task_progress","data":{"percent":50}}`)
	t.Receive(`{"type":"task_complete","data":{"result":"ok"}}`)

	s.Require().Len(updates, 3)
	s.Equal(FrameTaskStatus, updates[0].Type)
	s.Equal(FrameTaskProgress, updates[1].Type)
	s.Equal(FrameTaskComplete, updates[2].Type)
	s.JSONEq(`{"percent":50}`, string(updates[1].Data))
	s.ElementsMatch(TaskFrameTypes, sub.Types())

	s.client.Off(sub)
	t.Receive(`{"type":"task_status","data":{"status":"done"}}`)
	s.Len(updates, 3)

	for _, ft := range TaskFrameTypes {
		s.Zero(s.internal().frames.Len(ft))
	}
}

func (s *StreamClientTestSuite) TestUnsubscribeKeepsOtherSubscribers() {
	t := s.connectLogs()

	var first, second int
	sub := s.client.On(FrameNotification, func(json.RawMessage) { first++ })
	s.client.On(FrameNotification, func(json.RawMessage) { second++ })

	sub.Unsubscribe()
	sub.Unsubscribe()
	t.Receive(`{"type":"notification","data":{}}`)

	s.Zero(first)
	s.Equal(1, second)
}

func (s *StreamClientTestSuite) TestNotifications() {
	t := s.connectLogs()

	var got []Notification
	s.client.SubscribeToNotifications(func(n Notification) { got = append(got, n) })

	t.Receive(`{"type":"notification","data":{"title":"deploy","message":"done","level":"info"}}`)

	s.Require().Len(got, 1)
	s.Equal("deploy", got[0].Title)
	s.Equal("info", got[0].Level)
}

func (s *StreamClientTestSuite) TestFramesWithoutDataReachTypedCallbacks() {
	var (
		entries       []LogEntry
		notifications []Notification
	)
	s.client.SubscribeToLogs(s.ctx, func(e LogEntry) { entries = append(entries, e) }, LogFilters{})
	s.client.SubscribeToNotifications(func(n Notification) { notifications = append(notifications, n) })

	t := s.network.Last()
	t.Receive(`{"type":"log_entry"}`)
	t.Receive(`{"type":"notification"}`)
	t.Receive(`{"type":"notification","data":null}`)

	s.Equal([]LogEntry{{}}, entries)
	s.Equal([]Notification{{}, {}}, notifications)
	s.Empty(s.recorder.Of(EventDecodeError))
}

func (s *StreamClientTestSuite) TestPanickingSubscriberIsIsolated() {
	t := s.connectLogs()

	var got int
	s.client.On(FrameNotification, func(json.RawMessage) { panic("kaboom") })
	s.client.On(FrameNotification, func(json.RawMessage) { got++ })

	s.NotPanics(func() {
		t.Receive(`{"type":"notification","data":{}}`)
	})
	s.Equal(1, got)
	s.True(s.client.IsConnected())
}

func (s *StreamClientTestSuite) TestMalformedFrameIsReported() {
	t := s.connectLogs()

	t.Receive(`not json`)
	t.Receive(`{"data":{}}`)

	errs := s.recorder.Of(EventDecodeError)
	s.Require().Len(errs, 2)
	s.ErrorIs(errs[0].Err, ErrDecode)
	s.True(s.client.IsConnected())
	s.Equal(2.0, testutil.ToFloat64(s.internal().metrics.decodeErrors))
}

func (s *StreamClientTestSuite) TestMalformedPayloadIsReported() {
	var got int
	s.client.SubscribeToLogs(s.ctx, func(LogEntry) { got++ }, LogFilters{})

	s.network.Last().Receive(`{"type":"log_entry","data":"not an object"}`)

	s.Zero(got)
	s.Require().Len(s.recorder.Of(EventDecodeError), 1)
}

func (s *StreamClientTestSuite) TestServerErrorIsAdvisory() {
	t := s.connectLogs()

	t.Receive(`{"type":"error","message":"slow down","retry_after":2.5}`)

	s.True(s.client.IsConnected())
	s.False(t.IsClosed())

	errs := s.recorder.Of(EventServerError)
	s.Require().Len(errs, 1)

	var serverErr ServerError
	s.Require().True(errors.As(errs[0].Err, &serverErr))
	s.Equal("slow down", serverErr.Message)
	s.Equal(2500*time.Millisecond, serverErr.RetryAfter)
	s.True(serverErr.IsRateLimit())
	s.ErrorIs(errs[0].Err, ErrServer)
}

func (s *StreamClientTestSuite) TestServerPingIsConsumed() {
	t := s.connectLogs()

	var got int
	s.client.On(FramePing, func(json.RawMessage) { got++ })
	t.Receive(`{"type":"ping"}`)

	s.Zero(got)
	s.Zero(t.SentOf(FramePong))
}

func (s *StreamClientTestSuite) TestHeartbeatSendsPingEveryInterval() {
	t := s.connectLogs()

	s.clock.Advance(29 * time.Second)
	s.Zero(t.SentOf(FramePing))

	s.clock.Advance(time.Second)
	s.Equal(1, t.SentOf(FramePing))

	t.Receive(`{"type":"pong"}`)
	s.clock.Advance(30 * time.Second)
	s.Equal(2, t.SentOf(FramePing))
	s.Equal(s.clock.Now().Add(-30*time.Second), s.client.LastPongAt())
}

func (s *StreamClientTestSuite) TestPongsKeepConnectionAlive() {
	t := s.connectLogs()

	for i := 0; i < 10; i++ {
		s.clock.Advance(30 * time.Second)
		t.Receive(`{"type":"pong"}`)
	}

	s.True(s.client.IsConnected())
	s.Empty(s.recorder.Of(EventHeartbeatTimeout))
}

func (s *StreamClientTestSuite) TestHeartbeatTimeoutReconnects() {
	first := s.connectLogs()

	s.clock.Advance(90 * time.Second)

	s.Equal(StateDisconnected, s.client.State())
	s.True(first.IsClosed())
	s.Len(s.recorder.Of(EventHeartbeatTimeout), 1)

	scheduled := s.recorder.Of(EventReconnectScheduled)
	s.Require().Len(scheduled, 1)
	s.Equal(1, scheduled[0].Attempt)
	s.Equal(time.Second, scheduled[0].Delay)
	s.ErrorIs(scheduled[0].Err, ErrHeartbeatTimeout)

	s.clock.Advance(time.Second)

	s.Equal(2, s.network.Count())
	s.True(s.client.IsConnected())
	s.Zero(s.internal().reconnect.Attempts())
	s.Equal(1.0, testutil.ToFloat64(s.internal().metrics.heartbeatTimeouts))
}

func (s *StreamClientTestSuite) TestDropReconnectsWithFreshToken() {
	tokens := &mockTokenProvider{}
	tokens.On("CurrentAuthToken").Return("t1", true).Once()
	tokens.On("CurrentAuthToken").Return("t2", true).Once()
	c, err := New(s.cfg,
		WithClock(s.clock),
		WithTransportFactory(s.network.Factory()),
		WithTokenProvider(tokens),
	)
	s.Require().NoError(err)
	defer c.Dispose()

	s.Require().NoError(c.Connect(s.ctx, LogsTarget(LogFilters{})))
	first := s.network.Last()
	p := first.Params()
	s.Equal("t1", p.URL.Query().Get("token"))

	first.Drop(errBoom)
	s.Equal(StateDisconnected, c.State())

	s.clock.Advance(time.Second)

	s.True(c.IsConnected())
	p = s.network.Last().Params()
	s.Equal("t2", p.URL.Query().Get("token"))
	tokens.AssertExpectations(s.T())
}

func (s *StreamClientTestSuite) TestSubscriptionsSurviveReconnect() {
	var got int
	s.client.SubscribeToLogs(s.ctx, func(LogEntry) { got++ }, LogFilters{})

	s.network.Last().Drop(errBoom)
	s.clock.Advance(time.Second)
	s.network.Last().Receive(`{"type":"log_entry","data":{"level":"info","message":"back"}}`)

	s.Equal(1, got)
}

func (s *StreamClientTestSuite) TestDisconnectCancelsPendingReconnect() {
	t := s.connectLogs()
	t.Drop(errBoom)
	s.Require().True(s.internal().reconnect.Pending())

	s.client.Disconnect()
	s.clock.Advance(time.Minute)

	s.Equal(1, s.network.Count())
	s.Equal(StateDisconnected, s.client.State())
	s.Zero(s.clock.Pending())
}

func (s *StreamClientTestSuite) TestDisconnectClosesWithoutReconnecting() {
	t := s.connectLogs()
	var got int
	s.client.On(FrameNotification, func(json.RawMessage) { got++ })

	s.client.Disconnect()

	s.True(t.IsClosed())
	s.Equal(StateDisconnected, s.client.State())
	s.Empty(s.recorder.Of(EventReconnectScheduled))
	s.Zero(s.clock.Pending())

	s.Require().NoError(s.client.Connect(s.ctx, LogsTarget(LogFilters{})))
	s.network.Last().Receive(`{"type":"notification","data":{}}`)
	s.Zero(got)
}

func (s *StreamClientTestSuite) TestConnectWhileDisconnectingKeepsNewSession() {
	first := s.connectLogs()

	var (
		got       int
		reentered bool
	)
	s.client.OnEvent(EventStateChange, func(e Event) {
		if e.State != StateClosing || reentered {
			return
		}
		reentered = true
		s.Require().NoError(s.client.Connect(s.ctx, TaskTarget("42")))
		s.client.On(FrameNotification, func(json.RawMessage) { got++ })
	})

	s.client.Disconnect()

	s.True(first.IsClosed())
	s.Equal(2, s.network.Count())
	live := s.network.Last()
	s.False(live.IsClosed())
	s.Equal(StateOpen, s.client.State())
	s.Equal("tasks/42", s.client.Target().String())
	s.True(s.internal().heartbeat.Running())

	live.Receive(`{"type":"notification","data":{}}`)
	s.Equal(1, got)

	s.clock.Advance(30 * time.Second)
	s.Equal(1, live.SentOf(FramePing))
}

func (s *StreamClientTestSuite) TestDisconnectIsIdempotent() {
	s.NotPanics(func() {
		s.client.Disconnect()
		s.client.Disconnect()
	})
	s.Equal(StateDisconnected, s.client.State())
}

func (s *StreamClientTestSuite) TestMaxReconnectAttempts() {
	cfg := DefaultConfig()
	cfg.Reconnect.MaxAttempts = 2
	s.client.Dispose()
	s.client = s.newClient(cfg)

	s.network.FailAll(errBoom)
	err := s.client.Connect(s.ctx, LogsTarget(LogFilters{}))
	s.ErrorIs(err, errBoom)

	s.clock.Advance(time.Second)
	s.clock.Advance(2 * time.Second)
	s.clock.Advance(time.Minute)

	s.Equal(3, s.network.Count())
	s.Equal(StateDisconnected, s.client.State())

	scheduled := s.recorder.Of(EventReconnectScheduled)
	s.Require().Len(scheduled, 2)
	s.Equal(time.Second, scheduled[0].Delay)
	s.Equal(2*time.Second, scheduled[1].Delay)

	failed := s.recorder.Of(EventReconnectFailed)
	s.Require().Len(failed, 1)
	s.ErrorIs(failed[0].Err, ErrMaxReconnectAttempts)
	s.Equal(2, failed[0].Attempt)

	s.network.FailAll(nil)
	s.Require().NoError(s.client.Connect(s.ctx, LogsTarget(LogFilters{})))

	s.True(s.client.IsConnected())
	s.Zero(s.internal().reconnect.Attempts())
}

func (s *StreamClientTestSuite) TestSendRequiresOpenConnection() {
	err := s.client.Send(s.ctx, FrameType("subscribe"))

	s.ErrorIs(err, ErrNotConnected)
}

func (s *StreamClientTestSuite) TestSendData() {
	t := s.connectLogs()

	s.Require().NoError(s.client.SendData(s.ctx, FrameType("subscribe"), map[string]string{"channel": "deploys"}))

	sent := t.Sent()
	s.Require().Len(sent, 1)
	s.Equal(FrameType("subscribe"), sent[0].Type)
	s.JSONEq(`{"channel":"deploys"}`, string(sent[0].Data))
}

func (s *StreamClientTestSuite) TestSendIsRateLimited() {
	t := s.connectLogs()

	for i := 0; i < 90; i++ {
		s.Require().NoError(s.client.Send(s.ctx, FrameType("custom")))
	}

	s.ErrorIs(s.client.Send(s.ctx, FrameType("custom")), ErrRateLimited)
	s.Equal(90, t.SentOf(FrameType("custom")))
	s.Equal(1.0, testutil.ToFloat64(s.internal().metrics.sendsDenied.WithLabelValues("rate_limited")))

	s.clock.Advance(30 * time.Second)
	s.Equal(1, t.SentOf(FramePing))

	t.Receive(`{"type":"pong"}`)
	s.clock.Advance(30 * time.Second)
	s.NoError(s.client.Send(s.ctx, FrameType("custom")))
}

func (s *StreamClientTestSuite) TestObserversMayCallBack() {
	var states []ConnectionState
	s.client.OnEvent(EventStateChange, func(Event) {
		states = append(states, s.client.State())
	})

	s.connectLogs()

	s.Equal([]ConnectionState{StateConnecting, StateOpen}, states)
}

func (s *StreamClientTestSuite) TestDisposeRejectsConnect() {
	s.client.Dispose()

	err := s.client.Connect(s.ctx, LogsTarget(LogFilters{}))

	s.ErrorIs(err, ErrTerminated)
}

func (s *StreamClientTestSuite) TestMetricsCountFrames() {
	t := s.connectLogs()

	t.Receive(`{"type":"notification","data":{}}`)
	t.Receive(`{"type":"notification","data":{}}`)

	m := s.internal().metrics
	s.Equal(2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("notification")))
	s.Equal(float64(StateOpen), testutil.ToFloat64(m.connectionState))
}

func TestNewClientFactory(t *testing.T) {
	network := &fakeNetwork{}
	factory := NewClientFactory(DefaultConfig(), WithTransportFactory(network.Factory()))

	a, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	b, err := factory()
	if err != nil {
		t.Fatal(err)
	}

	if a.Session() == b.Session() {
		t.Fatalf("expected distinct sessions, got %s twice", a.Session())
	}
}
