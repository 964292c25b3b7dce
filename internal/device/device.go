package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotSubscribed    ConnectionState = "not_subscribed"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotSubscribed    = &ConnectionError{State: NotSubscribed}
)

// Operation errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrPermission   = errors.New("bluetooth access not permitted")
	ErrUnsupported  = errors.New("unsupported")
)

// PeripheralHandle identifies a discovered peripheral. It is a value type and
// is never modified once discovery has finished.
type PeripheralHandle struct {
	ID       string
	Address  string
	Name     string
	RSSI     int
	Services []string // advertised service UUIDs
}

// String returns a human-readable description of the peripheral
func (p PeripheralHandle) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// MatchName reports whether the advertised name contains substr (case-sensitive)
func (p PeripheralHandle) MatchName(substr string) bool {
	return p.Name != "" && strings.Contains(p.Name, substr)
}

// Transport is the radio stack: discovery plus connection establishment
type Transport interface {
	// Discover runs one scan window and returns peripherals in discovery order.
	// If ctx ends first it returns what was seen so far along with ctx.Err().
	Discover(ctx context.Context) ([]PeripheralHandle, error)
	// Connect establishes an exclusive connection to the peripheral
	Connect(ctx context.Context, p PeripheralHandle) (Connection, error)
}

// NotificationHandler receives raw notification payloads. The payload may be
// reused by the transport after the handler returns.
type NotificationHandler func(data []byte)

// Connection is a live link to one peripheral
type Connection interface {
	// Subscribe enables notifications for the characteristic
	Subscribe(service, characteristic string, handler NotificationHandler) error
	// Unsubscribe disables the active subscription
	Unsubscribe() error
	// Disconnect releases the link. It is safe to call more than once.
	Disconnect() error
	// Disconnected is closed when the link drops without Disconnect being called
	Disconnected() <-chan struct{}
}

// Notification is one raw payload with its arrival order
type Notification struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}
