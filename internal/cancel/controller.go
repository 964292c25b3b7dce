// Package cancel turns external stop conditions (process signals, a key
// press, a deadline, a polled flag) into a single orderly Stop of a
// running session.
package cancel

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/groutine"
)

// Target is the stoppable work the controller watches
type Target interface {
	Stop(reason string)
	Done() <-chan struct{}
}

// Trigger blocks until its stop condition occurs. Wait returns a
// human-readable reason when it fires, ctx.Err() when ctx ends first, or any
// other error when the trigger cannot work (it is then ignored).
type Trigger interface {
	Name() string
	Wait(ctx context.Context) (reason string, err error)
}

// Releaser is implemented by triggers that hold process-wide state (signal
// handlers, terminal modes) which must be handed back once the controller
// is done
type Releaser interface {
	Release()
}

// Controller stops a target on the first trigger. Triggers stay armed until
// the target is done so repeated signals are swallowed instead of killing
// the process mid-drain.
type Controller struct {
	logger   *logrus.Logger
	target   Target
	triggers []Trigger
}

// NewController creates a controller for target
func NewController(logger *logrus.Logger, target Target, triggers ...Trigger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{logger: logger, target: target, triggers: triggers}
}

// Run waits until the target is done. It returns the reason of the stop it
// issued, or "" when the target finished on its own. Cancelling ctx counts
// as a trigger. Triggers implementing Releaser are released on return.
func (c *Controller) Run(ctx context.Context) string {
	armed, disarm := context.WithCancel(context.Background())
	defer disarm()
	defer c.release()

	fired := make(chan string)
	for _, t := range c.triggers {
		c.arm(armed, t, fired)
	}

	var (
		reason  string
		stopped bool
		ctxDone = ctx.Done()
	)
	stop := func(r string) {
		if stopped {
			c.logger.WithField("reason", r).Debug("Stop already in progress")
			return
		}
		stopped = true
		reason = r
		c.logger.WithField("reason", r).Info("Stopping, draining in-flight records...")
		c.target.Stop(r)
	}

	for {
		select {
		case <-c.target.Done():
			return reason
		case r := <-fired:
			stop(r)
		case <-ctxDone:
			ctxDone = nil
			stop(ctx.Err().Error())
		}
	}
}

func (c *Controller) release() {
	for _, t := range c.triggers {
		if r, ok := t.(Releaser); ok {
			r.Release()
		}
	}
}

// arm runs t in a loop until ctx ends, forwarding each firing
func (c *Controller) arm(ctx context.Context, t Trigger, fired chan<- string) {
	groutine.Go(ctx, "stop-trigger-"+t.Name(), func(ctx context.Context) {
		for {
			reason, err := t.Wait(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.WithFields(logrus.Fields{
						"trigger":   t.Name(),
						"goroutine": groutine.GetName(ctx),
					}).WithError(err).Debug("Stop trigger disabled")
				}
				return
			}
			c.logger.WithFields(logrus.Fields{
				"trigger":   t.Name(),
				"goroutine": groutine.GetName(ctx),
				"reason":    reason,
			}).Debug("Stop trigger fired")
			select {
			case fired <- reason:
			case <-ctx.Done():
				return
			}
		}
	})
}
