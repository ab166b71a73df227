package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/host/hosttest"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

const (
	extA extension.ID = "aaaabbbbccccddddeeeeffffgggghhhh"
	extB extension.ID = "hhhhggggffffeeeeddddccccbbbbaaaa"
)

var contentWorld = host.ContentWorld{Name: "Extension-" + string(extA)}

func encodeListenerResult(t *testing.T, res listenerResult) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(res)
	require.NoError(t, err)
	return data
}

func TestPublishNoReceivers(t *testing.T) {
	r := New(nil)
	sender := hosttest.NewView("https://example.com")

	_, err := r.Publish(context.Background(), id.NewRequestID(), json.RawMessage(`"hi"`), nil, MessageSender{ID: extA}, sender, contentWorld)
	assert.ErrorIs(t, err, exterr.ErrNoMessageReceiver)
}

func TestPublishExcludesSendingContext(t *testing.T) {
	r := New(nil)
	view := hosttest.NewView("https://example.com")
	r.AddNode(extA, view, contentWorld, false, "tok")

	_, err := r.Publish(context.Background(), id.NewRequestID(), json.RawMessage(`"hi"`), nil, MessageSender{ID: extA}, view, contentWorld)
	assert.ErrorIs(t, err, exterr.ErrNoMessageReceiver)
	assert.Empty(t, view.Evaluations())
}

func TestPublishSynchronousReply(t *testing.T) {
	r := New(nil)
	requestID := id.NewRequestID()

	background := hosttest.NewView("chrome-extension://" + string(extA) + "/")
	background.OnEvaluate(func(js string, world host.ContentWorld) (json.RawMessage, error) {
		assert.True(t, strings.HasPrefix(js, "window.__EXT_invokeListener__("))
		assert.Contains(t, js, `"`+requestID.String()+`"`)
		assert.True(t, r.SendReply(requestID, background, host.PageWorld, json.RawMessage(`{"pong":true}`)))
		return encodeListenerResult(t, listenerResult{Responded: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, background, host.PageWorld, true, "")

	sender := hosttest.NewView("https://example.com")
	result, err := r.Publish(context.Background(), requestID, json.RawMessage(`{"ping":true}`), nil, MessageSender{ID: extA, URL: "https://example.com"}, sender, contentWorld)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(result))
	assert.Zero(t, r.PendingReplies())
}

func TestPublishOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		result  listenerResult
		wantErr error
	}{
		{"no listener invoked", listenerResult{}, exterr.ErrNoMessageReceiver},
		{"invoked without response", listenerResult{ListenersInvoked: 2}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			view := hosttest.NewView("chrome-extension://x/")
			view.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
				return encodeListenerResult(t, tt.result), nil
			})
			r.AddNode(extA, view, host.PageWorld, true, "")

			result, err := r.Publish(context.Background(), id.NewRequestID(), json.RawMessage(`1`), nil, MessageSender{ID: extA}, nil, contentWorld)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
				assert.Nil(t, result)
			}
			assert.Zero(t, r.PendingReplies())
		})
	}
}

func TestPublishTargetsOtherExtension(t *testing.T) {
	r := New(nil)
	requestID := id.NewRequestID()

	own := hosttest.NewView("chrome-extension://a/")
	other := hosttest.NewView("chrome-extension://b/")
	other.OnEvaluate(func(js string, _ host.ContentWorld) (json.RawMessage, error) {
		assert.True(t, strings.HasSuffix(js, ", true)"), "external flag should be set: %s", js)
		r.SendReply(requestID, other, host.PageWorld, json.RawMessage(`"from b"`))
		return encodeListenerResult(t, listenerResult{Responded: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, own, host.PageWorld, true, "")
	r.AddNode(extB, other, host.PageWorld, true, "")

	target := extB
	result, err := r.Publish(context.Background(), requestID, json.RawMessage(`"hi"`), &target, MessageSender{ID: extA}, own, host.PageWorld)
	require.NoError(t, err)
	assert.Equal(t, `"from b"`, string(result))
	assert.Empty(t, own.Evaluations())
}

func TestPublishAsynchronousReply(t *testing.T) {
	r := New(nil)
	requestID := id.NewRequestID()

	view := hosttest.NewView("chrome-extension://a/")
	view.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.SendReply(requestID, view, host.PageWorld, json.RawMessage(`"later"`))
		}()
		return encodeListenerResult(t, listenerResult{KeepAlive: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, view, host.PageWorld, true, "")

	result, err := r.Publish(context.Background(), requestID, json.RawMessage(`1`), nil, MessageSender{ID: extA}, nil, contentWorld)
	require.NoError(t, err)
	assert.Equal(t, `"later"`, string(result))
}

func TestPublishPortClosedWhenKeepAliveNodeRemoved(t *testing.T) {
	r := New(nil)
	evaluated := make(chan struct{})

	view := hosttest.NewView("chrome-extension://a/")
	view.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
		close(evaluated)
		return encodeListenerResult(t, listenerResult{KeepAlive: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, view, host.PageWorld, true, "")

	done := make(chan error, 1)
	go func() {
		_, err := r.Publish(context.Background(), id.NewRequestID(), json.RawMessage(`1`), nil, MessageSender{ID: extA}, nil, contentWorld)
		done <- err
	}()

	<-evaluated
	assert.Equal(t, 1, r.RemoveView(view.ID()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, exterr.ErrMessagePortClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return after its keep-alive node was removed")
	}
	assert.Zero(t, r.PendingReplies())
}

func TestPublishContextCancelled(t *testing.T) {
	r := New(nil)
	view := hosttest.NewView("chrome-extension://a/")
	view.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
		return encodeListenerResult(t, listenerResult{KeepAlive: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, view, host.PageWorld, true, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Publish(ctx, id.NewRequestID(), json.RawMessage(`1`), nil, MessageSender{ID: extA}, nil, contentWorld)
	assert.ErrorIs(t, err, exterr.ErrMessagePortClosed)
	assert.Zero(t, r.PendingReplies())
}

func TestSendReplyOnlyOnce(t *testing.T) {
	r := New(nil)
	assert.False(t, r.SendReply(id.NewRequestID(), hosttest.NewView("https://example.com"), host.PageWorld, json.RawMessage(`1`)))
}

func TestSendReplyOnlyFromReceivers(t *testing.T) {
	r := New(nil)
	requestID := id.NewRequestID()

	receiver := hosttest.NewView("chrome-extension://a/")
	bystander := hosttest.NewView("https://example.com")
	r.AddNode(extA, bystander, contentWorld, false, "tok")

	done := make(chan json.RawMessage, 1)
	receiver.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
		go func() {
			assert.False(t, r.SendReply(requestID, bystander, host.PageWorld, json.RawMessage(`"spoofed"`)), "view that never received the message")
			assert.False(t, r.SendReply(requestID, receiver, contentWorld, json.RawMessage(`"spoofed"`)), "receiving view, other world")
			assert.True(t, r.SendReply(requestID, receiver, host.PageWorld, json.RawMessage(`"genuine"`)))
		}()
		return encodeListenerResult(t, listenerResult{KeepAlive: true, ListenersInvoked: 1}), nil
	})
	r.AddNode(extA, receiver, host.PageWorld, true, "")

	go func() {
		result, err := r.Publish(context.Background(), requestID, json.RawMessage(`1`), nil, MessageSender{ID: extA}, bystander, contentWorld)
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case result := <-done:
		assert.Equal(t, `"genuine"`, string(result))
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not receive the genuine reply")
	}
	assert.Zero(t, r.PendingReplies())
}

func TestBroadcastEvent(t *testing.T) {
	hub := events.NewHub(8, nil)
	stream, cancel := hub.Subscribe()
	defer cancel()

	r := New(nil).WithEvents(hub)

	background := hosttest.NewView("chrome-extension://a/")
	content := hosttest.NewView("https://example.com")
	broken := hosttest.NewView("https://broken.example.com")
	broken.OnEvaluate(func(string, host.ContentWorld) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	other := hosttest.NewView("chrome-extension://b/")

	r.AddNode(extA, background, host.PageWorld, true, "")
	r.AddNode(extA, content, contentWorld, false, "tok")
	r.AddNode(extA, broken, contentWorld, false, "tok")
	r.AddNode(extB, other, host.PageWorld, true, "")

	args := []interface{}{map[string]string{"k": "v"}, "local"}

	t.Run("all contexts", func(t *testing.T) {
		delivered := r.BroadcastEvent(context.Background(), "__EXT_fireStorageChanged__", args, extA, false)
		assert.Equal(t, 2, delivered)

		calls := content.EvaluationsOf("window.__EXT_fireStorageChanged__")
		require.Len(t, calls, 1)
		assert.Equal(t, `window.__EXT_fireStorageChanged__({"k":"v"}, "local")`, calls[0].JS)
		assert.Equal(t, contentWorld, calls[0].World)
		assert.Empty(t, other.Evaluations())

		ev := <-stream
		assert.Equal(t, events.EventBroadcast, ev.Type)
		assert.Equal(t, 2, ev.Data["delivered"])
		assert.Equal(t, 1, ev.Data["failed"])
	})

	t.Run("trusted only", func(t *testing.T) {
		before := len(content.Evaluations())
		delivered := r.BroadcastEvent(context.Background(), "__EXT_fireStorageChanged__", args, extA, true)
		assert.Equal(t, 1, delivered)
		assert.Len(t, content.Evaluations(), before)
	})

	t.Run("no nodes", func(t *testing.T) {
		assert.Zero(t, r.BroadcastEvent(context.Background(), "fn", nil, "nobody", false))
	})
}

func TestSetStorageAreaAllowed(t *testing.T) {
	r := New(nil)
	background := hosttest.NewView("chrome-extension://a/")
	content := hosttest.NewView("https://example.com")
	r.AddNode(extA, background, host.PageWorld, true, "")
	r.AddNode(extA, content, contentWorld, false, "secret-token")

	r.SetStorageAreaAllowed(context.Background(), extA, "session", true)

	assert.Empty(t, background.Evaluations())
	calls := content.Evaluations()
	require.Len(t, calls, 1)
	assert.Equal(t, `__ext_setSessionAllowed(true, "secret-token")`, calls[0].JS)
}

func TestNodeBookkeeping(t *testing.T) {
	r := New(nil)
	view := hosttest.NewView("https://example.com")

	first := r.AddNode(extA, view, contentWorld, false, "t")
	again := r.AddNode(extA, view, contentWorld, false, "t")
	assert.Equal(t, first.ID, again.ID)
	r.AddNode(extB, view, host.ContentWorld{Name: "Extension-" + string(extB)}, false, "t")

	node, ok := r.NodeFor(extA, view, contentWorld)
	require.True(t, ok)
	assert.Equal(t, first.ID, node.ID)

	assert.Equal(t, 1, r.RemoveExtension(extA))
	assert.Empty(t, r.Nodes(extA))
	assert.Len(t, r.Nodes(extB), 1)

	assert.Equal(t, 1, r.RemoveView(view.ID()))
	assert.Empty(t, r.Nodes(extB))
}
