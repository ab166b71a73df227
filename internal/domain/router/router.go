// Package router connects the script contexts of each extension.
//
// Every view that runs an extension's scripts is a node in that extension's
// network. Publish delivers a runtime message to the listeners of a
// destination extension and waits for the single reply; BroadcastEvent
// invokes a named event function in every node of an extension.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// InvokeListenerFunction is the script function Publish calls in each node
const InvokeListenerFunction = "__EXT_invokeListener__"

// Node is one script context participating in an extension's network
type Node struct {
	ID        id.NodeID
	Extension extension.ID
	View      host.WebView
	World     host.ContentWorld
	// Trusted nodes are background and extension pages; content scripts are not
	Trusted bool
	// Token authorizes storage access-level updates inside untrusted nodes
	Token string
}

func (n *Node) matches(view host.WebView, world host.ContentWorld) bool {
	return view != nil && n.View.ID() == view.ID() && n.World == world
}

// Tab describes the tab a message came from
type Tab struct {
	ID  int    `json:"id"`
	URL string `json:"url,omitempty"`
}

// MessageSender is the chrome.runtime.MessageSender handed to listeners
type MessageSender struct {
	ID      extension.ID `json:"id"`
	URL     string       `json:"url,omitempty"`
	Origin  string       `json:"origin,omitempty"`
	FrameID *int         `json:"frameId,omitempty"`
	Tab     *Tab         `json:"tab,omitempty"`
}

type listenerResult struct {
	KeepAlive        bool `json:"keepAlive"`
	Responded        bool `json:"responded"`
	ListenersInvoked int  `json:"listenersInvoked"`
}

type reply struct {
	message json.RawMessage
	err     error
}

// outstanding is a published message awaiting its reply
type outstanding struct {
	replies chan reply
	// receivers are the nodes the message was delivered to; only they may reply
	receivers []*Node
	// keepAlive holds nodes whose listeners promised an asynchronous reply
	keepAlive map[id.NodeID]struct{}
	waiting   bool
}

// Router routes messages between the nodes of extensions
type Router struct {
	mu      sync.RWMutex
	nodes   map[extension.ID][]*Node
	pending map[id.RequestID]*outstanding

	logger  *logging.Logger
	metrics *monitoring.Metrics
	events  *events.Hub
}

// New creates a router
func New(logger *logging.Logger) *Router {
	return &Router{
		nodes:   make(map[extension.ID][]*Node),
		pending: make(map[id.RequestID]*outstanding),
		logger:  logging.OrNop(logger).Named("router"),
	}
}

// WithMetrics attaches a metrics collector
func (r *Router) WithMetrics(metrics *monitoring.Metrics) *Router {
	r.metrics = metrics
	return r
}

// WithEvents attaches an event hub
func (r *Router) WithEvents(hub *events.Hub) *Router {
	r.events = hub
	return r
}

// AddNode joins a view's world to an extension's network. Adding the same
// view and world twice returns the existing node.
func (r *Router) AddNode(ext extension.ID, view host.WebView, world host.ContentWorld, trusted bool, token string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.nodes[ext] {
		if n.matches(view, world) {
			return n
		}
	}

	node := &Node{
		ID:        id.NewNodeID(),
		Extension: ext,
		View:      view,
		World:     world,
		Trusted:   trusted,
		Token:     token,
	}
	r.nodes[ext] = append(r.nodes[ext], node)

	r.logger.Debug("Node added",
		zap.String("node_id", node.ID.String()),
		zap.String("extension_id", ext.String()),
		zap.String("view", view.ID().String()),
		zap.String("world", world.String()),
		zap.Bool("trusted", trusted),
	)
	return node
}

// RemoveView drops every node hosted by view and returns how many were removed
func (r *Router) RemoveView(viewID id.HostID) int {
	return r.removeWhere(func(n *Node) bool { return n.View.ID() == viewID })
}

// RemoveExtension drops every node of ext
func (r *Router) RemoveExtension(ext extension.ID) int {
	return r.removeWhere(func(n *Node) bool { return n.Extension == ext })
}

// RemoveNode drops a single node
func (r *Router) RemoveNode(nodeID id.NodeID) int {
	return r.removeWhere(func(n *Node) bool { return n.ID == nodeID })
}

func (r *Router) removeWhere(drop func(*Node) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make(map[id.NodeID]struct{})
	for ext, nodes := range r.nodes {
		kept := nodes[:0]
		for _, n := range nodes {
			if drop(n) {
				removed[n.ID] = struct{}{}
				continue
			}
			kept = append(kept, n)
		}
		if len(kept) == 0 {
			delete(r.nodes, ext)
		} else {
			r.nodes[ext] = kept
		}
	}
	if len(removed) == 0 {
		return 0
	}

	// A pending reply can no longer arrive once every node that kept its
	// port open is gone
	for requestID, o := range r.pending {
		if !o.waiting || len(o.keepAlive) == 0 {
			continue
		}
		for nodeID := range o.keepAlive {
			if _, gone := removed[nodeID]; gone {
				delete(o.keepAlive, nodeID)
			}
		}
		if len(o.keepAlive) == 0 {
			delete(r.pending, requestID)
			o.replies <- reply{err: exterr.MessagePortClosed()}
		}
	}
	return len(removed)
}

// Nodes returns a snapshot of ext's nodes
func (r *Router) Nodes(ext extension.ID) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, len(r.nodes[ext]))
	copy(out, r.nodes[ext])
	return out
}

// NodeFor returns the node of ext hosted in view and world
func (r *Router) NodeFor(ext extension.ID, view host.WebView, world host.ContentWorld) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes[ext] {
		if n.matches(view, world) {
			return n, true
		}
	}
	return nil, false
}

// PendingReplies returns the number of published messages awaiting a reply
func (r *Router) PendingReplies() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Publish delivers message to the listeners of target, or of the sender's own
// extension when target is nil. The sending context never receives its own
// message. The result is the listener's response, or nil when no listener
// responded and none kept the channel open.
func (r *Router) Publish(ctx context.Context, requestID id.RequestID, message json.RawMessage, target *extension.ID, sender MessageSender, sendingView host.WebView, sendingWorld host.ContentWorld) (result json.RawMessage, err error) {
	defer func() { r.metrics.RecordPublish(monitoring.StatusOf(err)) }()

	destination := sender.ID
	if target != nil && *target != "" {
		destination = *target
	}

	var receivers []*Node
	for _, n := range r.Nodes(destination) {
		if n.matches(sendingView, sendingWorld) {
			continue
		}
		receivers = append(receivers, n)
	}
	if len(receivers) == 0 {
		r.logger.Debug("No nodes for destination",
			zap.String("request_id", requestID.String()),
			zap.String("destination", destination.String()),
		)
		return nil, exterr.NoMessageReceiver()
	}

	o, err := r.track(requestID, receivers)
	if err != nil {
		return nil, err
	}

	script, err := invokeListenerScript(requestID, message, sender, destination != sender.ID)
	if err != nil {
		r.untrack(requestID)
		return nil, exterr.Internal("failed to encode message", err)
	}

	var responded, invoked bool
	keepAlive := make(map[id.NodeID]struct{})
	for _, n := range receivers {
		raw, evalErr := n.View.Evaluate(ctx, script, n.World)
		if evalErr != nil {
			r.logger.Warn("Listener invocation failed",
				zap.String("request_id", requestID.String()),
				zap.String("node_id", n.ID.String()),
				zap.Error(evalErr),
			)
			continue
		}

		var res listenerResult
		if len(raw) == 0 || sonic.Unmarshal(raw, &res) != nil {
			r.logger.Warn("Unexpected listener result",
				zap.String("request_id", requestID.String()),
				zap.String("node_id", n.ID.String()),
				zap.ByteString("result", raw),
			)
			continue
		}
		responded = responded || res.Responded
		invoked = invoked || res.ListenersInvoked > 0
		if res.KeepAlive {
			keepAlive[n.ID] = struct{}{}
		}
	}

	r.events.Publish(events.New(events.MessagePublished, destination.String(), map[string]interface{}{
		"requestId": requestID.String(),
		"receivers": len(receivers),
		"invoked":   invoked,
	}))

	if !invoked {
		r.untrack(requestID)
		return nil, exterr.NoMessageReceiver()
	}
	if !responded && len(keepAlive) == 0 {
		// A reply may still have raced in before we got here
		select {
		case rep := <-o.replies:
			return rep.message, rep.err
		default:
		}
		r.untrack(requestID)
		return nil, nil
	}

	if !r.await(requestID, keepAlive) {
		// Every keep-alive node went away while listeners ran
		select {
		case rep := <-o.replies:
			return rep.message, rep.err
		default:
		}
		r.untrack(requestID)
		return nil, exterr.MessagePortClosed()
	}

	select {
	case rep := <-o.replies:
		return rep.message, rep.err
	case <-ctx.Done():
		r.untrack(requestID)
		r.logger.Warn("Gave up waiting for reply",
			zap.String("request_id", requestID.String()),
			zap.Error(ctx.Err()),
		)
		return nil, exterr.MessagePortClosed()
	}
}

func (r *Router) track(requestID id.RequestID, receivers []*Node) (*outstanding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[requestID]; exists {
		return nil, exterr.ValueError("Duplicate request id %s", requestID)
	}
	o := &outstanding{replies: make(chan reply, 1), receivers: receivers}
	r.pending[requestID] = o
	return o, nil
}

func (r *Router) untrack(requestID id.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, requestID)
}

// await marks a request as waiting on keepAlive nodes. It returns false when
// none of them is still in the network.
func (r *Router) await(requestID id.RequestID, keepAlive map[id.NodeID]struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.pending[requestID]
	if !ok {
		// Already answered
		return true
	}

	live := make(map[id.NodeID]struct{})
	for _, nodes := range r.nodes {
		for _, n := range nodes {
			if _, kept := keepAlive[n.ID]; kept {
				live[n.ID] = struct{}{}
			}
		}
	}
	if len(keepAlive) > 0 && len(live) == 0 {
		return false
	}
	o.keepAlive = live
	o.waiting = true
	return true
}

// SendReply delivers a listener's response to the waiting publisher. Only the
// first reply for a request is delivered, and only from a context the message
// was delivered to.
func (r *Router) SendReply(requestID id.RequestID, view host.WebView, world host.ContentWorld, message json.RawMessage) bool {
	r.mu.Lock()
	o, ok := r.pending[requestID]
	if ok && !o.receivedBy(view, world) {
		r.mu.Unlock()
		r.logger.Warn("Reply from a context that did not receive the message",
			zap.String("request_id", requestID.String()),
			zap.String("world", world.String()),
		)
		return false
	}
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("Reply for unknown or answered request", zap.String("request_id", requestID.String()))
		return false
	}
	o.replies <- reply{message: message}
	return true
}

func (o *outstanding) receivedBy(view host.WebView, world host.ContentWorld) bool {
	for _, n := range o.receivers {
		if n.matches(view, world) {
			return true
		}
	}
	return false
}

// BroadcastEvent invokes window[function](args...) in every node of ext and
// returns the number of nodes that accepted it. A failing node does not stop
// delivery to the others. trustedOnly skips content-script nodes.
func (r *Router) BroadcastEvent(ctx context.Context, function string, args []interface{}, ext extension.ID, trustedOnly bool) int {
	script, err := callScript("window."+function, args...)
	if err != nil {
		r.logger.Error("Failed to encode event arguments", zap.String("function", function), zap.Error(err))
		return 0
	}

	nodes := r.Nodes(ext)
	if len(nodes) == 0 {
		r.logger.Debug("No nodes to broadcast to",
			zap.String("function", function),
			zap.String("extension_id", ext.String()),
		)
		return 0
	}

	delivered, failed := 0, 0
	for _, n := range nodes {
		if trustedOnly && !n.Trusted {
			continue
		}
		if _, err := n.View.Evaluate(ctx, script, n.World); err != nil {
			failed++
			r.logger.Warn("Event delivery failed",
				zap.String("function", function),
				zap.String("node_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	r.metrics.RecordBroadcast(function, delivered, failed)
	r.events.Publish(events.New(events.EventBroadcast, ext.String(), map[string]interface{}{
		"function":  function,
		"delivered": delivered,
		"failed":    failed,
	}))
	return delivered
}

// SetStorageAreaAllowed tells the untrusted nodes of ext whether area may be
// used from their context
func (r *Router) SetStorageAreaAllowed(ctx context.Context, ext extension.ID, area string, allowed bool) {
	if area == "" {
		return
	}
	function := "__ext_set" + strings.ToUpper(area[:1]) + area[1:] + "Allowed"

	for _, n := range r.Nodes(ext) {
		if n.Trusted {
			continue
		}
		script, err := callScript(function, allowed, n.Token)
		if err != nil {
			continue
		}
		if _, err := n.View.Evaluate(ctx, script, n.World); err != nil {
			r.logger.Warn("Failed to update storage availability",
				zap.String("function", function),
				zap.String("node_id", n.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func invokeListenerScript(requestID id.RequestID, message json.RawMessage, sender MessageSender, external bool) (string, error) {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	return callScript("window."+InvokeListenerFunction, requestID.String(), message, sender, external)
}

// callScript renders function(arg, ...) with every argument JSON-encoded
func callScript(function string, args ...interface{}) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		data, err := sonic.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		encoded[i] = string(data)
	}
	return function + "(" + strings.Join(encoded, ", ") + ")", nil
}
