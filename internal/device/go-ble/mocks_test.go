package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// mockAdvertisement overrides only the ble.Advertisement methods the adapter reads
type mockAdvertisement struct {
	ble.Advertisement

	addr     string
	name     string
	rssi     int
	services []ble.UUID
}

func (a *mockAdvertisement) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a *mockAdvertisement) LocalName() string    { return a.name }
func (a *mockAdvertisement) RSSI() int            { return a.rssi }
func (a *mockAdvertisement) Services() []ble.UUID { return a.services }

// mockDevice implements the ble.Device methods used by Transport
type mockDevice struct {
	ble.Device
	mock.Mock

	advertisements []ble.Advertisement
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	for _, adv := range m.advertisements {
		h(adv)
	}
	return args.Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

// mockClient implements the ble.Client methods used by Connection
type mockClient struct {
	ble.Client
	mock.Mock

	disconnected chan struct{}
	handler      ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	profile, _ := args.Get(0).(*ble.Profile)
	return profile, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	if args.Error(0) == nil {
		m.handler = h
	}
	return args.Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}
