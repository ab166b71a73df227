// Package callback delivers bridge call results back into script.
//
// Results reach script through a function whose name is generated once per
// process and handed only to the API prelude, so page script cannot forge a
// response for a request it does not own. Every tracked request is delivered
// exactly once.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// FunctionPrefix starts every generated callback function name
const FunctionPrefix = "__ext_cb_"

// Target is where a call's result must be delivered
type Target struct {
	View  host.WebView
	World host.ContentWorld
}

// Channel correlates bridge requests with their responses
type Channel struct {
	function string

	mu      sync.Mutex
	pending map[id.RequestID]Target

	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a channel with a fresh secret function name
func New(logger *logging.Logger) *Channel {
	return &Channel{
		function: FunctionPrefix + id.NewSecret(),
		pending:  make(map[id.RequestID]Target),
		logger:   logging.OrNop(logger).Named("callback"),
	}
}

// WithMetrics attaches a metrics collector
func (c *Channel) WithMetrics(metrics *monitoring.Metrics) *Channel {
	c.metrics = metrics
	return c
}

// FunctionName returns the secret script function results are delivered to
func (c *Channel) FunctionName() string {
	return c.function
}

// Track registers an outstanding call
func (c *Channel) Track(requestID id.RequestID, target Target) error {
	if requestID == "" {
		return exterr.ValueError("Missing requestId")
	}

	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return exterr.ValueError("Duplicate requestId %s", requestID)
	}
	c.pending[requestID] = target
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingCallbacks(n)
	return nil
}

// Pending returns the number of outstanding calls
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Resolve delivers a successful result. An empty result reaches script as
// undefined; anything else must be JSON. It returns false when the request is
// not outstanding.
func (c *Channel) Resolve(ctx context.Context, requestID id.RequestID, result json.RawMessage) bool {
	target, ok := c.take(requestID)
	if !ok {
		return false
	}

	encoded := "undefined"
	if len(result) > 0 {
		encoded = string(result)
	}
	c.deliver(ctx, requestID, target, encoded, "null")
	return true
}

// Reject delivers err as {message}. Errors outside the public taxonomy are
// reported as an internal error without their text.
func (c *Channel) Reject(ctx context.Context, requestID id.RequestID, err error) bool {
	target, ok := c.take(requestID)
	if !ok {
		return false
	}

	payload, mErr := sonic.MarshalString(exterr.Payload(err))
	if mErr != nil {
		payload = `{"message":"Internal error"}`
	}
	if exterr.KindOf(err) == exterr.KindInternal {
		c.logger.Error("Internal error returned to script",
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
	}
	c.deliver(ctx, requestID, target, "undefined", payload)
	return true
}

// Forget drops every pending call routed to view, typically when it is torn
// down. It returns the number dropped.
func (c *Channel) Forget(viewID id.HostID) int {
	c.mu.Lock()
	dropped := 0
	for requestID, target := range c.pending {
		if target.View != nil && target.View.ID() == viewID {
			delete(c.pending, requestID)
			dropped++
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if dropped > 0 {
		c.metrics.SetPendingCallbacks(n)
	}
	return dropped
}

func (c *Channel) take(requestID id.RequestID) (Target, bool) {
	c.mu.Lock()
	target, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Ignoring resolution of unknown or already resolved request",
			zap.String("request_id", requestID.String()),
		)
		return Target{}, false
	}
	c.metrics.SetPendingCallbacks(n)
	return target, true
}

func (c *Channel) deliver(ctx context.Context, requestID id.RequestID, target Target, result, errPayload string) {
	if target.View == nil || !target.View.Alive() {
		c.logger.Debug("Dropping response for a view that is gone",
			zap.String("request_id", requestID.String()),
		)
		return
	}

	script := c.Script(requestID, result, errPayload)
	if _, err := target.View.Evaluate(ctx, script, target.World); err != nil {
		c.logger.Warn("Failed to deliver response",
			zap.String("request_id", requestID.String()),
			zap.String("world", target.World.String()),
			zap.Error(err),
		)
	}
}

// Script renders the call that hands a response to script
func (c *Channel) Script(requestID id.RequestID, result, errPayload string) string {
	quoted, _ := sonic.MarshalString(requestID.String())
	return fmt.Sprintf("window.%s(%s, %s, %s)", c.function, quoted, result, errPayload)
}
