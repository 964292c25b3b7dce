package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/record"
	"github.com/srg/blelog/internal/sink"
	"github.com/srg/blelog/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	sensorName = "ESP32-C3 Sensor Server"
	serviceID  = "12345678-1234-1234-1234-123456789012"
	charID     = "87654321-4321-4321-4321-210987654321"
	waitFor    = 2 * time.Second
)

// memSink keeps appended records in memory. The first append can be held on
// gate, and the append numbered failAt (1-based) fails with ENOSPC.
type memSink struct {
	mu      sync.Mutex
	records []record.Stamped
	calls   int
	failAt  int
	entered chan struct{}
	gate    chan struct{}
}

func (m *memSink) Append(rec record.Stamped) error {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil && n == 1 {
		<-m.gate
	}
	if n == m.failAt {
		return &sink.WriteError{Index: rec.Index, Err: syscall.ENOSPC}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) Records() []record.Stamped {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.Stamped(nil), m.records...)
}

func (m *memSink) Fields() []string {
	var out []string
	for _, r := range m.Records() {
		out = append(out, fmt.Sprintf("%d:%v", r.Index, r.Fields()))
	}
	return out
}

type SessionTestSuite struct {
	suite.Suite

	transport *testutils.FakeTransport
	out       *memSink
	anchor    time.Time
	logger    *logrus.Logger

	mu     sync.Mutex
	states []State
}

func (suite *SessionTestSuite) SetupTest() {
	suite.transport = testutils.NewFakeTransport(
		device.PeripheralHandle{ID: "11:11", Address: "11:11", Name: "Other Device", RSSI: -40},
		device.PeripheralHandle{ID: "AA:BB", Address: "AA:BB", Name: sensorName, RSSI: -60},
	)
	suite.out = &memSink{}
	suite.anchor = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	suite.logger = testutils.NewTestLogger()
	suite.states = nil
}

func (suite *SessionTestSuite) newSession(opts ...Option) *Session {
	dec, err := record.NewDecoder(record.Schema{
		{Name: "value1", Kind: record.KindFloat},
		{Name: "value2", Kind: record.KindFloat},
	}, ",")
	suite.Require().NoError(err)

	base := []Option{
		WithName(sensorName),
		WithCharacteristic(serviceID, charID),
		WithTimeline(record.NewTimeline(10*time.Second, record.WithAnchor(suite.anchor))),
		WithLogger(suite.logger),
		WithOnState(func(_, to State) {
			suite.mu.Lock()
			defer suite.mu.Unlock()
			suite.states = append(suite.states, to)
		}),
	}
	return New(suite.transport, dec, suite.out, append(base, opts...)...)
}

func (suite *SessionTestSuite) start(s *Session) <-chan error {
	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()
	return result
}

func (suite *SessionTestSuite) waitSubscribed() {
	select {
	case <-suite.transport.Conn.Subscribed():
	case <-time.After(waitFor):
		suite.FailNow("session MUST subscribe")
	}
}

func (suite *SessionTestSuite) waitResult(result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(waitFor):
		suite.FailNow("session MUST finish")
		return nil
	}
}

func (suite *SessionTestSuite) waitState(s *Session, want State) {
	suite.Eventually(func() bool { return s.State() == want }, waitFor, 5*time.Millisecond,
		"session MUST reach %s", want)
}

func (suite *SessionTestSuite) recordedStates() []State {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	return append([]State(nil), suite.states...)
}

func (suite *SessionTestSuite) TestSelectsNamedPeripheral() {
	// GOAL: Verify the peripheral whose name contains the configured substring is the one connected
	//
	// TEST SCENARIO: "Other Device" and "ESP32-C3 Sensor Server" advertise → connect targets AA:BB → stop → Closed

	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()

	s.Stop("test")

	suite.Require().NoError(suite.waitResult(result), "stopped session MUST end cleanly")
	attempts := suite.transport.ConnectAttempts()
	suite.Require().Len(attempts, 1, "exactly one connection MUST be attempted")
	suite.Equal("AA:BB", attempts[0].ID, "matching peripheral MUST be selected")
	suite.Equal("AA:BB", s.Peripheral().ID)

	service, char := suite.transport.Conn.Target()
	suite.Equal(serviceID, service)
	suite.Equal(charID, char)

	suite.Equal([]State{Discovering, Connecting, Subscribed, Draining, Closed}, suite.recordedStates(),
		"lifecycle MUST follow the happy path")
	suite.Equal(Closed, s.State())
	suite.True(suite.transport.Conn.Unsubscribed(), "drain MUST unsubscribe")
	suite.Equal(1, suite.transport.Conn.DisconnectCalls(), "drain MUST disconnect once")
	suite.Equal("test", s.StopReason())
}

func (suite *SessionTestSuite) TestMultipleMatchesUseFirstAndWarn() {
	// GOAL: Verify that with several matching peripherals the first discovered wins and the rest are logged
	//
	// TEST SCENARIO: Two "ESP32-C3 Sensor Server" peripherals → first connected → warning names the second

	logger, hook := testutils.NewCapturingLogger()
	suite.logger = logger
	suite.transport.Peripherals = []device.PeripheralHandle{
		{ID: "01", Address: "01", Name: sensorName + " A"},
		{ID: "02", Address: "02", Name: sensorName + " B"},
	}

	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()
	s.Stop("test")
	suite.Require().NoError(suite.waitResult(result))

	suite.Equal("01", suite.transport.ConnectAttempts()[0].ID, "first discovered match MUST win")

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["ignored"] == sensorName+" B (02)" {
			warned = true
		}
	}
	suite.True(warned, "ignored matches MUST be logged as a warning")
}

func (suite *SessionTestSuite) TestAddressBypassesName() {
	s := suite.newSession(WithName("no such name"), WithAddress("aa:bb"))
	result := suite.start(s)
	suite.waitSubscribed()
	s.Stop("test")

	suite.Require().NoError(suite.waitResult(result))
	suite.Equal("AA:BB", suite.transport.ConnectAttempts()[0].ID, "address MUST match case-insensitively")
}

func (suite *SessionTestSuite) TestTwoRecordPayload() {
	// GOAL: Verify a notification carrying two lines yields two consecutive records
	//
	// TEST SCENARIO: Payload "1.23,4.56\n7.89,0.12\n" → records 0 and 1 → timestamps anchor and anchor+10s

	suite.transport.Conn.Preload = [][]byte{[]byte("1.23,4.56\n7.89,0.12\n")}

	var seen []uint64
	var mu sync.Mutex
	s := suite.newSession(WithOnRecord(func(r record.Stamped) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Index)
	}))
	result := suite.start(s)
	suite.waitSubscribed()
	s.Stop("test")
	suite.Require().NoError(suite.waitResult(result))

	records := suite.out.Records()
	suite.Require().Len(records, 2, "both lines MUST become records")
	suite.Equal(uint64(0), records[0].Index)
	suite.Equal(uint64(1), records[1].Index)
	suite.Equal([]string{"1.23", "4.56"}, records[0].Fields())
	suite.Equal([]string{"7.89", "0.12"}, records[1].Fields())
	suite.Equal(suite.anchor, records[0].Timestamp)
	suite.Equal(suite.anchor.Add(10*time.Second), records[1].Timestamp)
	suite.Equal([]uint64{0, 1}, seen, "progress callback MUST see every appended record")
	suite.Equal(uint64(2), s.Appended())
}

func (suite *SessionTestSuite) TestMalformedLinesAreSkipped() {
	suite.transport.Conn.Preload = [][]byte{[]byte("1,2\nnot a number,x\n\n3,4\n")}

	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()
	s.Stop("test")
	suite.Require().NoError(suite.waitResult(result))

	suite.Equal([]string{"0:[1 2]", "1:[3 4]"}, suite.out.Fields(), "good lines MUST be kept with consecutive indices")
}

func (suite *SessionTestSuite) TestArrivalOrderIsPreserved() {
	// GOAL: Verify records are appended in notification arrival order through a tiny queue
	//
	// TEST SCENARIO: Queue of 1, 50 notifications → 50 records with matching values in order

	s := suite.newSession(WithQueueSize(1))
	result := suite.start(s)
	suite.waitSubscribed()

	var want []string
	for i := 0; i < 50; i++ {
		suite.Require().True(suite.transport.Conn.Notify([]byte(fmt.Sprintf("%d,%d\n", i, i*2))))
		want = append(want, fmt.Sprintf("%d:[%d %d]", i, i, i*2))
	}
	s.Stop("test")
	suite.Require().NoError(suite.waitResult(result))

	suite.Equal(want, suite.out.Fields(), "queued notifications MUST all be persisted in order")
}

func (suite *SessionTestSuite) TestNotFound() {
	suite.transport.Peripherals = []device.PeripheralHandle{{ID: "11", Address: "11", Name: "Other Device"}}

	s := suite.newSession()
	err := suite.waitResult(suite.start(s))

	suite.ErrorIs(err, ErrNotFound, "missing peripheral MUST be a NotFoundError")
	suite.Equal(Failed, s.State())
	suite.Empty(suite.transport.ConnectAttempts(), "nothing MUST be connected")
	suite.Equal(err, s.Err())
}

func (suite *SessionTestSuite) TestDiscoveryFailure() {
	suite.transport.DiscoverErr = device.ErrBluetoothOff

	err := suite.waitResult(suite.start(suite.newSession()))

	suite.ErrorIs(err, ErrTransport)
	suite.ErrorIs(err, device.ErrBluetoothOff, "cause MUST be preserved")
}

func (suite *SessionTestSuite) TestConnectFailure() {
	suite.transport.ConnectErr = errors.New("le-connection-abort-by-local")

	s := suite.newSession()
	err := suite.waitResult(suite.start(s))

	suite.ErrorIs(err, ErrConnect)
	suite.NotErrorIs(err, ErrSubscribe)
	suite.Equal([]State{Discovering, Connecting, Failed}, suite.recordedStates())
}

func (suite *SessionTestSuite) TestSubscribeFailureReleasesConnection() {
	// GOAL: Verify a failed subscription tears the connection down and reports SubscribeError
	//
	// TEST SCENARIO: Subscribe returns NotFoundError → session Failed → Disconnect called once

	suite.transport.Conn.SubscribeErr = &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceID, charID}}

	err := suite.waitResult(suite.start(suite.newSession()))

	suite.ErrorIs(err, ErrSubscribe)
	var nf *device.NotFoundError
	suite.ErrorAs(err, &nf, "transport cause MUST be preserved")
	suite.Equal(1, suite.transport.Conn.DisconnectCalls(), "connection MUST be released")
}

func (suite *SessionTestSuite) TestStopDuringAppend() {
	// GOAL: Verify a stop raised while a record is mid-append keeps that record and appends nothing after
	//
	// TEST SCENARIO: First append blocks → Stop → unsubscribe observed → late notification rejected → release → one record, Closed

	suite.out.entered = make(chan struct{}, 8)
	suite.out.gate = make(chan struct{})

	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()

	suite.Require().True(suite.transport.Conn.Notify([]byte("1.23,4.56\n")))
	select {
	case <-suite.out.entered:
	case <-time.After(waitFor):
		suite.FailNow("append MUST start")
	}

	s.Stop("test")
	suite.waitState(s, Draining)
	suite.Eventually(suite.transport.Conn.Unsubscribed, waitFor, 5*time.Millisecond, "drain MUST unsubscribe first")
	suite.False(suite.transport.Conn.Notify([]byte("7.89,0.12\n")), "notifications after unsubscribe MUST NOT be delivered")
	suite.Equal(0, suite.transport.Conn.DisconnectCalls(), "disconnect MUST wait for the in-flight append")

	close(suite.out.gate)

	suite.Require().NoError(suite.waitResult(result))
	suite.Equal([]string{"0:[1.23 4.56]"}, suite.out.Fields(), "in-flight record MUST be kept and nothing appended after")
	suite.Equal(Closed, s.State())
	suite.Equal(1, suite.transport.Conn.DisconnectCalls())
}

func (suite *SessionTestSuite) TestLateNotificationIsDiscarded() {
	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()
	s.Stop("test")
	suite.Require().NoError(suite.waitResult(result))

	// A callback already in flight when the stack unsubscribed
	s.onNotification([]byte("1,2\n"))

	suite.Empty(suite.out.Records(), "notification after close MUST be discarded")
}

func (suite *SessionTestSuite) TestSinkFailure() {
	// GOAL: Verify a disk-full write fails the session with IOError naming the unwritten record
	//
	// TEST SCENARIO: Second append fails with ENOSPC → Failed/IOError for index 1 → first record kept → link released

	suite.out.failAt = 2
	suite.transport.Conn.Preload = [][]byte{[]byte("1,2\n3,4\n5,6\n")}

	s := suite.newSession()
	err := suite.waitResult(suite.start(s))

	suite.Require().ErrorIs(err, ErrIO, "sink failure MUST be an IOError")
	var we *sink.WriteError
	suite.Require().ErrorAs(err, &we)
	suite.Equal(uint64(1), we.Index, "error MUST name the unwritten record")
	suite.ErrorIs(err, syscall.ENOSPC)
	suite.Equal([]string{"0:[1 2]"}, suite.out.Fields(), "records before the failure MUST remain")
	suite.Equal(Failed, s.State())
	suite.True(suite.transport.Conn.Unsubscribed())
	suite.Equal(1, suite.transport.Conn.DisconnectCalls())
}

func (suite *SessionTestSuite) TestUnexpectedDisconnect() {
	// GOAL: Verify link loss persists what was queued and then fails with TransportError
	//
	// TEST SCENARIO: One record queued → link drops → record persisted → Failed/TransportError

	suite.transport.Conn.Preload = [][]byte{[]byte("1,2\n")}

	s := suite.newSession()
	result := suite.start(s)
	suite.waitSubscribed()
	suite.transport.Conn.Drop()

	err := suite.waitResult(result)

	suite.ErrorIs(err, ErrTransport)
	suite.ErrorIs(err, ErrLinkLost)
	suite.Equal([]string{"0:[1 2]"}, suite.out.Fields(), "queued record MUST be persisted")
	suite.Equal(Failed, s.State())
}

func (suite *SessionTestSuite) TestStopWhileDiscovering() {
	// GOAL: Verify a stop before subscription cancels discovery and ends cleanly
	//
	// TEST SCENARIO: Discovery blocks → Stop → Closed, no connection attempted

	suite.transport.BlockDiscover = true

	s := suite.newSession()
	result := suite.start(s)
	suite.waitState(s, Discovering)
	s.Stop("test")

	suite.Require().NoError(suite.waitResult(result), "stop before subscription MUST be clean")
	suite.Equal(Closed, s.State())
	suite.Empty(suite.transport.ConnectAttempts())
}

func (suite *SessionTestSuite) TestStopWhileConnecting() {
	suite.transport.BlockConnect = true

	s := suite.newSession()
	result := suite.start(s)
	suite.waitState(s, Connecting)
	s.Stop("test")

	suite.Require().NoError(suite.waitResult(result))
	suite.Equal([]State{Discovering, Connecting, Closed}, suite.recordedStates())
}

func (suite *SessionTestSuite) TestStopBeforeRun() {
	s := suite.newSession()
	s.Stop("early")

	suite.Require().NoError(s.Run(context.Background()))
	suite.Equal(Closed, s.State())
	suite.Zero(suite.transport.DiscoverCalls(), "nothing MUST be scanned")
}

func (suite *SessionTestSuite) TestContextCancellationStops() {
	s := suite.newSession()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()
	suite.waitSubscribed()

	cancel()

	suite.Require().NoError(suite.waitResult(result))
	suite.Equal(Closed, s.State())
	suite.Equal(context.Canceled.Error(), s.StopReason())
}

func (suite *SessionTestSuite) TestContextCancelledWhileDiscovering() {
	// GOAL: Verify cancelling the caller's context mid-scan ends the session cleanly
	//
	// TEST SCENARIO: Scan blocks → context cancelled → Closed, no connect attempt

	suite.transport.BlockDiscover = true

	s := suite.newSession()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()
	suite.waitState(s, Discovering)

	cancel()

	suite.Require().NoError(suite.waitResult(result), "cancellation before subscription MUST be clean")
	suite.Equal(Closed, s.State())
	suite.Empty(suite.transport.ConnectAttempts(), "an interrupted scan MUST NOT lead to a connect")
}

func (suite *SessionTestSuite) TestRunOnlyOnce() {
	s := suite.newSession()
	s.Stop("test")
	suite.Require().NoError(s.Run(context.Background()))

	suite.ErrorIs(s.Run(context.Background()), ErrAlreadyStarted)

	select {
	case <-s.Done():
	default:
		suite.Fail("Done MUST be closed after Run")
	}
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
