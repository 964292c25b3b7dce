package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/groutine"
)

// Connection is a live go-ble client holding at most one subscription
type Connection struct {
	client  ble.Client
	profile *ble.Profile
	logger  *logrus.Logger

	mu       sync.Mutex
	sub      *ble.Characteristic
	subUUID  string
	indicate bool
	closed   bool

	disconnected chan struct{}
	done         chan struct{}
}

func newConnection(client ble.Client, profile *ble.Profile, logger *logrus.Logger) *Connection {
	c := &Connection{
		client:       client,
		profile:      profile,
		logger:       logger,
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}

	// Only an unrequested link loss is reported through Disconnected()
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			c.mu.Lock()
			expected := c.closed
			c.mu.Unlock()
			if !expected {
				c.logger.Warn("BLE stack reported disconnection")
				close(c.disconnected)
			}
		case <-c.done:
		}
	})
	return c
}

// findCharacteristic looks up a characteristic in the discovered profile
func (c *Connection) findCharacteristic(service, characteristic string) (*ble.Characteristic, error) {
	svcUUID, err := ble.Parse(service)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", service, err)
	}
	charUUID, err := ble.Parse(characteristic)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristic, err)
	}

	for _, svc := range c.profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(charUUID) {
				return ch, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

// Subscribe enables notifications (or indications when notify is not
// supported) on the characteristic
func (c *Connection) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return device.ErrNotConnected
	}
	if c.sub != nil {
		return fmt.Errorf("already subscribed to %s", c.subUUID)
	}

	ch, err := c.findCharacteristic(service, characteristic)
	if err != nil {
		return err
	}

	var indicate bool
	switch {
	case ch.Property&ble.CharNotify != 0:
		indicate = false
	case ch.Property&ble.CharIndicate != 0:
		indicate = true
	default:
		return fmt.Errorf("characteristic %s does not support notifications: %w", characteristic, device.ErrUnsupported)
	}

	if err := NormalizeError(c.client.Subscribe(ch, indicate, func(data []byte) {
		handler(data)
	})); err != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": service,
			"charUUID":    characteristic,
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return err
	}

	c.sub = ch
	c.subUUID = characteristic
	c.indicate = indicate

	c.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    characteristic,
		"indicate":    indicate,
	}).Info("Successfully subscribed to characteristic notifications")
	return nil
}

// Unsubscribe disables the active subscription
func (c *Connection) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return device.ErrNotSubscribed
	}
	err := NormalizeError(c.client.Unsubscribe(c.sub, c.indicate))
	c.sub = nil
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.subUUID, err)
	}

	c.logger.WithField("charUUID", c.subUUID).Debug("Unsubscribed from characteristic notifications")
	return nil
}

// Disconnect cancels the connection. It is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.logger.Info("Disconnecting BLE device...")
	if err := NormalizeError(c.client.CancelConnection()); err != nil {
		if errors.Is(err, device.ErrNotConnected) {
			c.logger.WithError(err).Debug("BLE link was already down")
			return nil
		}
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	c.logger.Info("BLE device disconnected successfully")
	return nil
}

// Disconnected is closed when the link drops without Disconnect being called
func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}
