package gojahost

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/host"
)

// world is one content world of the current document
type world struct {
	name   string
	view   *View
	vm     *goja.Runtime
	logger *zap.Logger

	timers    map[int64]*time.Timer
	nextTimer int64
	disposed  bool
}

func newWorld(v *View, name string) *world {
	w := &world{
		name:   name,
		view:   v,
		vm:     goja.New(),
		logger: v.logger.With(zap.String("world", host.ContentWorld{Name: name}.String())).Logger,
		timers: make(map[int64]*time.Timer),
	}
	w.vm.SetMaxCallStackSize(1024)
	w.setupGlobals()
	return w
}

func (w *world) setupGlobals() {
	vm := w.vm
	global := vm.GlobalObject()

	_ = vm.Set("require", goja.Undefined())
	_ = vm.Set("process", goja.Undefined())
	_ = vm.Set("module", goja.Undefined())
	_ = vm.Set("exports", goja.Undefined())

	_ = vm.Set("window", global)
	_ = vm.Set("self", global)
	_ = vm.Set("location", w.location())

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, w.consoleFunc(level))
	}
	_ = vm.Set("console", console)

	webkit := vm.NewObject()
	_ = webkit.Set("messageHandlers", vm.NewDynamicObject(&handlerTable{world: w}))
	_ = vm.Set("webkit", webkit)

	_ = vm.Set("setTimeout", w.setTimeout)
	_ = vm.Set("clearTimeout", w.clearTimeout)

	_ = vm.Set("alert", func(call goja.FunctionCall) goja.Value {
		w.dialog(host.DialogAlert, call.Argument(0).String())
		return goja.Undefined()
	})
	_ = vm.Set("confirm", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(w.dialog(host.DialogConfirm, call.Argument(0).String()))
	})
	_ = vm.Set("prompt", func(call goja.FunctionCall) goja.Value {
		if w.dialog(host.DialogPrompt, call.Argument(0).String()) {
			return call.Argument(1)
		}
		return goja.Null()
	})
	_ = vm.Set("open", func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		if ui := w.view.uiDelegate(); ui == nil || !ui.AllowWindowOpen(target) {
			return goja.Null()
		}
		w.logger.Info("window.open", zap.String("url", target))
		return goja.Null()
	})
}

func (w *world) location() map[string]interface{} {
	raw := w.view.URL()
	u, err := url.Parse(raw)
	if err != nil {
		return map[string]interface{}{"href": raw}
	}
	origin := "null"
	if u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	pathname := u.EscapedPath()
	if pathname == "" && u.Host != "" {
		pathname = "/"
	}
	return map[string]interface{}{
		"href":     raw,
		"protocol": u.Scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": pathname,
		"search":   search,
		"hash":     hash,
		"origin":   origin,
	}
}

func (w *world) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		switch level {
		case "error":
			w.logger.Error(msg)
		case "warn":
			w.logger.Warn(msg)
		case "debug":
			w.logger.Debug(msg)
		default:
			w.logger.Info(msg)
		}
		return goja.Undefined()
	}
}

func (w *world) dialog(kind host.DialogKind, message string) bool {
	ui := w.view.uiDelegate()
	if ui == nil || !ui.AllowDialog(kind, message) {
		return false
	}
	w.logger.Info("Dialog", zap.String("kind", string(kind)), zap.String("message", message))
	return true
}

func (w *world) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	w.nextTimer++
	timerID := w.nextTimer
	w.timers[timerID] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		_ = w.view.submit(func() {
			if _, pending := w.timers[timerID]; !pending || w.disposed {
				return
			}
			delete(w.timers, timerID)
			if _, err := fn(goja.Undefined(), args...); err != nil {
				w.logger.Warn("Timer callback failed", zap.Error(err))
			}
		})
	})
	return w.vm.ToValue(timerID)
}

func (w *world) clearTimeout(call goja.FunctionCall) goja.Value {
	timerID := call.Argument(0).ToInteger()
	if timer, ok := w.timers[timerID]; ok {
		timer.Stop()
		delete(w.timers, timerID)
	}
	return goja.Undefined()
}

// run executes js, interrupting it when ctx ends
func (w *world) run(ctx context.Context, js string) (goja.Value, error) {
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			w.vm.Interrupt("context cancelled")
		case <-finished:
		}
	}()

	val, err := w.vm.RunString(js)
	close(finished)
	w.vm.ClearInterrupt()
	return val, err
}

func (w *world) dispose() {
	w.disposed = true
	for timerID, timer := range w.timers {
		timer.Stop()
		delete(w.timers, timerID)
	}
}

// stringify returns the JSON encoding of val, or nil for undefined
func stringify(vm *goja.Runtime, val goja.Value) (json.RawMessage, error) {
	if val == nil || goja.IsUndefined(val) {
		return nil, nil
	}
	JSON := vm.Get("JSON").ToObject(vm)
	fn, ok := goja.AssertFunction(JSON.Get("stringify"))
	if !ok {
		return nil, nil
	}
	out, err := fn(JSON, val)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

// handlerTable backs webkit.messageHandlers for one world. Lookups read the
// view's current handlers, so handlers added after the document loaded are
// visible.
type handlerTable struct {
	world *world
}

func (t *handlerTable) Get(name string) goja.Value {
	if _, ok := t.world.view.handler(name, t.world.name); !ok {
		return goja.Undefined()
	}
	vm := t.world.vm
	obj := vm.NewObject()
	_ = obj.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		body, err := stringify(vm, call.Argument(0))
		if err != nil {
			panic(vm.NewTypeError("postMessage: %s", err.Error()))
		}
		if body == nil {
			body = json.RawMessage("null")
		}
		t.world.view.dispatch(name, t.world.name, body)
		return goja.Undefined()
	})
	return obj
}

func (t *handlerTable) Set(string, goja.Value) bool { return false }

func (t *handlerTable) Has(name string) bool {
	_, ok := t.world.view.handler(name, t.world.name)
	return ok
}

func (t *handlerTable) Delete(string) bool { return false }

func (t *handlerTable) Keys() []string {
	return t.world.view.handlerNames(t.world.name)
}
