package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
)

const (
	// DefaultScanTimeout bounds one discovery pass
	DefaultScanTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds dialing plus GATT profile discovery
	DefaultConnectTimeout = 30 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Options configures a Transport
type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Transport implements device.Transport on top of go-ble. The underlying HCI
// or CoreBluetooth device is created lazily and shared by scans and dials.
type Transport struct {
	opts   Options
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble transport
func NewTransport(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Transport{opts: opts, logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Discover scans for one scan window and returns every advertising
// peripheral in the order it was first seen. When ctx ends early the
// peripherals seen so far are returned together with ctx.Err().
func (t *Transport) Discover(ctx context.Context) ([]device.PeripheralHandle, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, t.opts.ScanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		order []string
		seen  = hashmap.New[string, *device.PeripheralHandle]()
	)

	t.logger.WithField("duration", t.opts.ScanTimeout).Info("Starting BLE scan...")

	err = dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
		addr := adv.Addr().String()

		mu.Lock()
		defer mu.Unlock()

		h, loaded := seen.GetOrInsert(addr, newHandle(adv))
		if loaded {
			mergeAdvertisement(h, adv)
			return
		}
		order = append(order, addr)
		t.logger.WithFields(logrus.Fields{
			"device":  h.Name,
			"address": h.Address,
			"rssi":    h.RSSI,
		}).Info("Discovered new device")
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}

	mu.Lock()
	defer mu.Unlock()

	handles := make([]device.PeripheralHandle, 0, len(order))
	for _, addr := range order {
		if h, ok := seen.Get(addr); ok {
			handles = append(handles, *h)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		t.logger.WithField("device_count", len(handles)).Info("BLE scan interrupted")
		return handles, ctxErr
	}
	t.logger.WithField("device_count", len(handles)).Info("BLE scan completed")
	return handles, nil
}

// Connect dials the peripheral and discovers its GATT profile
func (t *Transport) Connect(ctx context.Context, p device.PeripheralHandle) (device.Connection, error) {
	if strings.TrimSpace(p.Address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	t.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"timeout": t.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(p.Address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", p.Address, NormalizeError(err))
	}

	t.logger.WithField("address", p.Address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	t.logger.WithFields(logrus.Fields{
		"address":  p.Address,
		"services": len(profile.Services),
	}).Info("BLE device connected successfully")

	return newConnection(client, profile, t.logger), nil
}

// Close releases the underlying BLE device
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil
	}
	err := t.dev.Stop()
	t.dev = nil
	return NormalizeError(err)
}
