package cancel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode"

	"golang.org/x/term"
)

// SignalTrigger fires on process signals. The signals are caught from
// construction until Release, so a repeated Ctrl+C while a stop is draining
// never reaches the default handler.
type SignalTrigger struct {
	ch   chan os.Signal
	once sync.Once
}

// Signal fires on any of the given signals; with none, on SIGINT and SIGTERM
func Signal(signals ...os.Signal) *SignalTrigger {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	t := &SignalTrigger{ch: make(chan os.Signal, 1)}
	signal.Notify(t.ch, signals...)
	return t
}

func (t *SignalTrigger) Name() string { return "signal" }

func (t *SignalTrigger) Wait(ctx context.Context) (string, error) {
	select {
	case sig := <-t.ch:
		return "signal: " + sig.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release hands the signals back to their default handling
func (t *SignalTrigger) Release() {
	t.once.Do(func() { signal.Stop(t.ch) })
}

// KeyTrigger fires when the key is typed (case-insensitive). One reader
// goroutine serves every Wait, since a blocked read cannot be cancelled.
// On a line-buffered terminal the key only arrives after Enter; Cbreak
// removes that.
type KeyTrigger struct {
	r   io.Reader
	key rune

	once    sync.Once
	keys    chan rune
	readErr error

	mu      sync.Mutex
	restore func() error
}

// Key fires when key is read from r
func Key(r io.Reader, key rune) *KeyTrigger {
	return &KeyTrigger{r: r, key: unicode.ToLower(key)}
}

func (t *KeyTrigger) Name() string { return "key" }

// Cbreak switches the terminal f to unbuffered input without echo so a
// single keypress is delivered at once. The previous mode is restored by
// Release.
func (t *KeyTrigger) Cbreak(f *os.File) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.restore != nil {
		return nil
	}
	restore, err := enableCbreak(int(f.Fd()))
	if err != nil {
		return fmt.Errorf("switch terminal to single-key input: %w", err)
	}
	t.restore = restore
	return nil
}

// Release restores the terminal mode changed by Cbreak
func (t *KeyTrigger) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.restore == nil {
		return
	}
	_ = t.restore()
	t.restore = nil
}

func (t *KeyTrigger) start() {
	t.keys = make(chan rune)
	go func() {
		defer close(t.keys)
		br := bufio.NewReader(t.r)
		for {
			r, _, err := br.ReadRune()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					t.readErr = err
				}
				return
			}
			t.keys <- r
		}
	}()
}

func (t *KeyTrigger) Wait(ctx context.Context) (string, error) {
	t.once.Do(t.start)

	for {
		select {
		case r, ok := <-t.keys:
			if !ok {
				if t.readErr != nil {
					return "", t.readErr
				}
				return "", io.EOF
			}
			if unicode.ToLower(r) == t.key {
				return fmt.Sprintf("key %q pressed", string(t.key)), nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// IsTerminal reports whether f is an interactive terminal; the key trigger
// is only useful there
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

type timeoutTrigger struct {
	d time.Duration
}

// Timeout fires d after each Wait starts
func Timeout(d time.Duration) Trigger {
	return &timeoutTrigger{d: d}
}

func (t *timeoutTrigger) Name() string { return "timeout" }

func (t *timeoutTrigger) Wait(ctx context.Context) (string, error) {
	timer := time.NewTimer(t.d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return fmt.Sprintf("run duration %s elapsed", t.d), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type pollTrigger struct {
	requested func() bool
	interval  time.Duration
}

// Poll checks requested every interval and fires once it reports true
func Poll(requested func() bool, interval time.Duration) Trigger {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &pollTrigger{requested: requested, interval: interval}
}

func (t *pollTrigger) Name() string { return "poll" }

func (t *pollTrigger) Wait(ctx context.Context) (string, error) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.requested() {
				return "stop requested", nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
