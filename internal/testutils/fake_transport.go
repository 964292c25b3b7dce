package testutils

import (
	"context"
	"sync"

	"github.com/srg/blelog/internal/device"
)

// FakeTransport is an in-memory device.Transport. It always hands out the
// same FakeConnection so tests can drive notifications through Conn.
type FakeTransport struct {
	Peripherals   []device.PeripheralHandle
	DiscoverErr   error
	ConnectErr    error
	BlockDiscover bool // Discover waits for ctx cancellation, then returns Peripherals with ctx.Err()
	BlockConnect  bool // Connect waits for ctx cancellation

	Conn *FakeConnection

	mu            sync.Mutex
	discoverCalls int
	connected     []device.PeripheralHandle
}

// NewFakeTransport creates a transport that discovers the given peripherals
func NewFakeTransport(peripherals ...device.PeripheralHandle) *FakeTransport {
	return &FakeTransport{
		Peripherals: peripherals,
		Conn:        NewFakeConnection(),
	}
}

// Discover returns a copy of Peripherals
func (t *FakeTransport) Discover(ctx context.Context) ([]device.PeripheralHandle, error) {
	t.mu.Lock()
	t.discoverCalls++
	t.mu.Unlock()

	if t.BlockDiscover {
		<-ctx.Done()
		return append([]device.PeripheralHandle(nil), t.Peripherals...), ctx.Err()
	}
	if t.DiscoverErr != nil {
		return nil, t.DiscoverErr
	}
	return append([]device.PeripheralHandle(nil), t.Peripherals...), nil
}

// Connect records the target and returns Conn
func (t *FakeTransport) Connect(ctx context.Context, p device.PeripheralHandle) (device.Connection, error) {
	t.mu.Lock()
	t.connected = append(t.connected, p)
	t.mu.Unlock()

	if t.BlockConnect {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	t.Conn.setPeripheral(p)
	return t.Conn, nil
}

// DiscoverCalls returns how many times Discover ran
func (t *FakeTransport) DiscoverCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discoverCalls
}

// ConnectAttempts returns every peripheral Connect was called with
func (t *FakeTransport) ConnectAttempts() []device.PeripheralHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]device.PeripheralHandle(nil), t.connected...)
}

// FakeConnection is an in-memory device.Connection
type FakeConnection struct {
	SubscribeErr   error
	UnsubscribeErr error
	Preload        [][]byte // delivered synchronously from Subscribe

	mu              sync.Mutex
	peripheral      device.PeripheralHandle
	service         string
	characteristic  string
	handler         device.NotificationHandler
	subscribed      chan struct{}
	subscribeOnce   sync.Once
	unsubscribed    bool
	disconnectCalls int
	disconnected    chan struct{}
	dropOnce        sync.Once
}

// NewFakeConnection creates an idle connection
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		subscribed:   make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

func (c *FakeConnection) setPeripheral(p device.PeripheralHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripheral = p
}

// Subscribe stores the handler, then replays Preload through it
func (c *FakeConnection) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	c.mu.Lock()
	c.service = service
	c.characteristic = characteristic
	if c.SubscribeErr != nil {
		c.mu.Unlock()
		return c.SubscribeErr
	}
	c.handler = handler
	preload := c.Preload
	c.mu.Unlock()

	for _, payload := range preload {
		handler(payload)
	}
	c.subscribeOnce.Do(func() { close(c.subscribed) })
	return nil
}

// Notify delivers a payload to the subscribed handler. It reports false when
// there is no active subscription.
func (c *FakeConnection) Notify(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return false
	}
	h(data)
	return true
}

// Unsubscribe drops the handler
func (c *FakeConnection) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return device.ErrNotSubscribed
	}
	c.handler = nil
	c.unsubscribed = true
	return c.UnsubscribeErr
}

// Disconnect counts calls; it never fails
func (c *FakeConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.disconnectCalls++
	return nil
}

// Disconnected is closed by Drop
func (c *FakeConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Drop simulates link loss
func (c *FakeConnection) Drop() {
	c.dropOnce.Do(func() { close(c.disconnected) })
}

// Subscribed is closed once Subscribe has succeeded and Preload was delivered
func (c *FakeConnection) Subscribed() <-chan struct{} {
	return c.subscribed
}

// Unsubscribed reports whether Unsubscribe was called on an active subscription
func (c *FakeConnection) Unsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// DisconnectCalls returns how many times Disconnect ran
func (c *FakeConnection) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// Peripheral returns the handle the connection was opened for
func (c *FakeConnection) Peripheral() device.PeripheralHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peripheral
}

// Target returns the service and characteristic passed to Subscribe
func (c *FakeConnection) Target() (service, characteristic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service, c.characteristic
}
