// Package session runs one recording session against one peripheral: it
// discovers and connects to the device, subscribes to the measurement
// characteristic and pushes every notification through decode, timestamp and
// append, in arrival order, until it is stopped or fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/groutine"
	"github.com/srg/blelog/internal/metrics"
	"github.com/srg/blelog/internal/record"
	"github.com/srg/blelog/internal/sink"
)

const (
	// DefaultQueueSize bounds the notifications waiting for the pipeline
	DefaultQueueSize = 64

	// DefaultConnectTimeout bounds a single connection attempt
	DefaultConnectTimeout = 30 * time.Second
)

// Option configures a Session
type Option func(*Session)

// WithName selects the first discovered peripheral whose advertised name
// contains substr (case-sensitive)
func WithName(substr string) Option {
	return func(s *Session) { s.name = substr }
}

// WithAddress selects the peripheral by address and bypasses the name filter
func WithAddress(addr string) Option {
	return func(s *Session) { s.address = addr }
}

// WithCharacteristic sets the service and characteristic to subscribe to
func WithCharacteristic(service, characteristic string) Option {
	return func(s *Session) {
		s.service = service
		s.characteristic = characteristic
	}
}

// WithTimeline replaces the default timeline (10s interval, anchored on the first record)
func WithTimeline(t *record.Timeline) Option {
	return func(s *Session) { s.timeline = t }
}

// WithQueueSize sets the intake queue capacity
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithConnectTimeout bounds the connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithOnRecord registers a callback invoked from the pipeline goroutine after
// each record is durably appended
func WithOnRecord(fn func(record.Stamped)) Option {
	return func(s *Session) { s.onRecord = fn }
}

// WithOnState registers a callback invoked on every state transition
func WithOnState(fn func(from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Session) { s.metrics = r }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session owns one peripheral connection and the record pipeline behind it.
// A Session runs once.
type Session struct {
	transport device.Transport
	decoder   *record.Decoder
	sink      sink.Sink
	timeline  *record.Timeline

	name           string
	address        string
	service        string
	characteristic string
	queueSize      int
	connectTimeout time.Duration
	onRecord       func(record.Stamped)
	onState        func(from, to State)
	metrics        *metrics.Recorder
	logger         *logrus.Logger

	mu         sync.Mutex
	state      State
	started    bool
	stopped    bool
	stopReason string
	stopCh     chan struct{}
	done       chan struct{}
	err        error
	peripheral device.PeripheralHandle

	// intakeMu orders sends against close of intake
	intakeMu     sync.Mutex
	intake       chan device.Notification
	intakeClosed bool
	seq          uint64
	workerDone   <-chan struct{}
	workerErr    error

	appended atomic.Uint64
}

// New creates an idle session
func New(transport device.Transport, decoder *record.Decoder, out sink.Sink, opts ...Option) *Session {
	s := &Session{
		transport:      transport,
		decoder:        decoder,
		sink:           out,
		queueSize:      DefaultQueueSize,
		connectTimeout: DefaultConnectTimeout,
		logger:         logrus.New(),
		state:          Idle,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeline == nil {
		s.timeline = record.NewTimeline(record.DefaultInterval)
	}
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once Run has returned and the session is Closed or Failed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal failure, or nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Peripheral returns the selected peripheral; zero before selection
func (s *Session) Peripheral() device.PeripheralHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripheral
}

// Appended returns the number of records written so far
func (s *Session) Appended() uint64 {
	return s.appended.Load()
}

// Stop asks the session to finish. Before subscription it cancels the pending
// scan or connect; after, it drains queued notifications before disconnecting.
// Only the first call has an effect.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.stopReason = reason
	close(s.stopCh)

	s.logger.WithFields(logrus.Fields{
		"reason": reason,
		"state":  s.state,
	}).Info("Stop requested")
}

// StopReason returns the reason passed to the first Stop call
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// interrupted reports whether a stop was requested or ctx has ended; the
// latter is turned into a stop so the outcome does not depend on which
// goroutine notices the cancellation first
func (s *Session) interrupted(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		s.Stop(err.Error())
	}
	return s.stopRequested()
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the session to a terminal state. It returns nil when the
// session ends Closed and a *Error when it ends Failed.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	err := s.run(ctx)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
	return err
}

func (s *Session) run(ctx context.Context) error {
	// Cancelling the parent context is a stop request
	stopOnCancel := context.AfterFunc(ctx, func() { s.Stop(ctx.Err().Error()) })
	defer stopOnCancel()

	// setupCtx is cancelled by Stop so a pending scan or connect returns early
	setupCtx, cancelSetup := context.WithCancel(ctx)
	defer cancelSetup()
	groutine.Go(setupCtx, "session-stop-watch", func(context.Context) {
		select {
		case <-s.stopCh:
			cancelSetup()
		case <-setupCtx.Done():
		}
	})

	if s.stopRequested() {
		s.setState(Closed)
		return nil
	}

	s.setState(Discovering)
	p, failure := s.discover(setupCtx)
	if s.interrupted(ctx) {
		s.setState(Closed)
		return nil
	}
	if failure != nil {
		return s.abort(failure)
	}

	s.setState(Connecting)
	conn, failure := s.connect(setupCtx, p)
	if failure != nil {
		if s.interrupted(ctx) {
			s.setState(Closed)
			return nil
		}
		return s.abort(failure)
	}
	if s.interrupted(ctx) {
		s.disconnect(conn)
		s.setState(Closed)
		return nil
	}

	s.startPipeline()

	if err := conn.Subscribe(s.service, s.characteristic, s.onNotification); err != nil {
		s.closeIntake()
		<-s.workerDone
		s.disconnect(conn)
		return s.fail(KindSubscribe, fmt.Errorf("subscribe to %s/%s: %w", s.service, s.characteristic, err))
	}
	s.setState(Subscribed)
	s.logger.WithFields(logrus.Fields{
		"peripheral":     p.String(),
		"service":        s.service,
		"characteristic": s.characteristic,
	}).Info("Receiving notifications")

	select {
	case <-s.stopCh:
		return s.drain(conn)

	case <-s.workerDone:
		// The pipeline only exits early on a sink failure
		if err := conn.Unsubscribe(); err != nil {
			s.logger.WithError(err).Warn("Failed to unsubscribe after sink failure")
		}
		s.closeIntake()
		s.disconnect(conn)
		return s.fail(KindIO, s.workerErr)

	case <-conn.Disconnected():
		s.logger.WithField("peripheral", p.String()).Warn("Peripheral disconnected, persisting queued notifications")
		s.closeIntake()
		<-s.workerDone
		s.disconnect(conn)
		if s.workerErr != nil {
			return s.fail(KindIO, s.workerErr)
		}
		return s.fail(KindTransport, ErrLinkLost)
	}
}

// drain unsubscribes, lets the pipeline finish every queued notification and
// then releases the connection
func (s *Session) drain(conn device.Connection) error {
	s.setState(Draining)

	if err := conn.Unsubscribe(); err != nil {
		s.logger.WithError(err).Warn("Failed to unsubscribe")
	}
	s.closeIntake()
	<-s.workerDone
	s.disconnect(conn)

	if s.workerErr != nil {
		return s.fail(KindIO, s.workerErr)
	}
	s.setState(Closed)
	s.logger.WithField("records", s.Appended()).Info("Session closed")
	return nil
}

func (s *Session) discover(ctx context.Context) (device.PeripheralHandle, *Error) {
	handles, err := s.transport.Discover(ctx)
	if err != nil {
		return device.PeripheralHandle{}, &Error{Kind: KindTransport, Err: fmt.Errorf("discovery failed: %w", err)}
	}

	for _, h := range handles {
		s.logger.WithFields(logrus.Fields{
			"name":    h.Name,
			"address": h.Address,
			"rssi":    h.RSSI,
		}).Debug("Found device")
	}

	p, err := s.selectPeripheral(handles)
	if err != nil {
		return device.PeripheralHandle{}, &Error{Kind: KindNotFound, Err: err}
	}

	s.mu.Lock()
	s.peripheral = p
	s.mu.Unlock()

	s.logger.WithField("peripheral", p.String()).Info("Selected peripheral")
	return p, nil
}

// selectPeripheral picks by address when configured, otherwise the first
// handle in discovery order whose name contains the configured substring
func (s *Session) selectPeripheral(handles []device.PeripheralHandle) (device.PeripheralHandle, error) {
	if s.address != "" {
		for _, h := range handles {
			if strings.EqualFold(h.Address, s.address) {
				return h, nil
			}
		}
		return device.PeripheralHandle{}, fmt.Errorf("no peripheral with address %q among %d discovered", s.address, len(handles))
	}

	var matches []device.PeripheralHandle
	for _, h := range handles {
		if h.MatchName(s.name) {
			matches = append(matches, h)
		}
	}
	if len(matches) == 0 {
		return device.PeripheralHandle{}, fmt.Errorf("no peripheral named %q among %d discovered", s.name, len(handles))
	}

	if len(matches) > 1 {
		others := make([]string, 0, len(matches)-1)
		for _, m := range matches[1:] {
			others = append(others, m.String())
		}
		s.logger.WithFields(logrus.Fields{
			"selected": matches[0].String(),
			"ignored":  strings.Join(others, ", "),
		}).Warn("Several peripherals match the name, using the first discovered")
	}
	return matches[0], nil
}

func (s *Session) connect(ctx context.Context, p device.PeripheralHandle) (device.Connection, *Error) {
	connCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.transport.Connect(connCtx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no connection within %s: %w", s.connectTimeout, err)
		}
		return nil, &Error{Kind: KindConnect, Err: fmt.Errorf("connect to %s: %w", p, err)}
	}
	return conn, nil
}

func (s *Session) disconnect(conn device.Connection) {
	if err := conn.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Failed to disconnect")
	}
}

func (s *Session) startPipeline() {
	s.intake = make(chan device.Notification, s.queueSize)
	s.workerDone = groutine.Go(context.Background(), "record-pipeline", func(context.Context) {
		for n := range s.intake {
			s.metrics.SetQueueLength(len(s.intake))
			if err := s.process(n); err != nil {
				s.workerErr = err
				return
			}
		}
	})
}

// onNotification runs on the transport's goroutine. The payload is copied
// since the transport may reuse it.
func (s *Session) onNotification(data []byte) {
	receivedAt := time.Now()

	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()

	if s.intakeClosed {
		s.metrics.NotificationDiscarded()
		s.logger.WithField("bytes", len(data)).Debug("Notification after unsubscribe discarded")
		return
	}

	n := device.Notification{
		Seq:        s.seq,
		Data:       append([]byte(nil), data...),
		ReceivedAt: receivedAt,
	}
	s.seq++

	select {
	case s.intake <- n:
		s.metrics.NotificationReceived(len(data))
		s.metrics.SetQueueLength(len(s.intake))
	case <-s.workerDone:
		s.metrics.NotificationDiscarded()
	}
}

func (s *Session) closeIntake() {
	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()

	if s.intakeClosed {
		return
	}
	s.intakeClosed = true
	close(s.intake)
}

// process decodes, stamps and appends one notification. A returned error is
// a sink failure and ends the pipeline.
func (s *Session) process(n device.Notification) error {
	s.logger.WithFields(logrus.Fields{
		"seq":     n.Seq,
		"payload": string(n.Data),
	}).Debug("Received notification")

	records, decodeErrs := s.decoder.Decode(n.Data)
	for _, de := range decodeErrs {
		s.logger.WithFields(logrus.Fields{
			"seq":  n.Seq,
			"line": de.Line,
			"text": de.Text,
		}).WithError(de.Err).Warn("Skipping malformed line")
	}
	if len(decodeErrs) > 0 {
		s.metrics.DecodeFailed(len(decodeErrs))
	}

	for _, rec := range records {
		stamped := s.timeline.Stamp(rec)
		if err := s.sink.Append(stamped); err != nil {
			var we *sink.WriteError
			if !errors.As(err, &we) {
				err = &sink.WriteError{Index: stamped.Index, Err: err}
			}
			return err
		}
		s.appended.Add(1)
		s.metrics.RecordAppended(time.Since(n.ReceivedAt))
		if s.onRecord != nil {
			s.onRecord(stamped)
		}
	}
	return nil
}

func (s *Session) fail(kind Kind, err error) error {
	return s.abort(&Error{Kind: kind, Err: err})
}

// abort moves the session to Failed and reports the failure once
func (s *Session) abort(failure *Error) error {
	s.logger.WithFields(logrus.Fields{
		"kind":  failure.Kind,
		"state": s.State(),
	}).WithError(failure.Err).Error("Session failed")
	s.setState(Failed)
	return failure
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"from": from,
			"to":   to,
		}).Error("Invalid session state transition ignored")
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Session state changed")
	s.metrics.SetState(to.String(), StateNames())
	if s.onState != nil {
		s.onState(from, to)
	}
}
