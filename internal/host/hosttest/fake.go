// Package hosttest provides in-memory host views for tests.
package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// Evaluation is one recorded Evaluate call
type Evaluation struct {
	JS    string
	World host.ContentWorld
}

// EvalFunc answers an Evaluate call
type EvalFunc func(js string, world host.ContentWorld) (json.RawMessage, error)

type handlerKey struct {
	name  string
	world string
}

// View is a scriptable fake WebView. Evaluate records the script and answers
// through OnEvaluate.
type View struct {
	mu          sync.Mutex
	id          id.HostID
	url         string
	alive       bool
	evals       []Evaluation
	scripts     []host.UserScript
	handlers    map[handlerKey]host.MessageHandler
	handlerAdds map[handlerKey]int
	onEvaluate  EvalFunc
}

// NewView creates a live view at url
func NewView(url string) *View {
	return &View{
		id:          id.NewHostID(),
		url:         url,
		alive:       true,
		handlers:    make(map[handlerKey]host.MessageHandler),
		handlerAdds: make(map[handlerKey]int),
	}
}

// OnEvaluate installs the function answering Evaluate
func (v *View) OnEvaluate(fn EvalFunc) *View {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEvaluate = fn
	return v
}

func (v *View) ID() id.HostID { return v.id }

func (v *View) Alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.alive
}

func (v *View) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

// SetURL changes the reported URL
func (v *View) SetURL(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.url = url
}

// Kill marks the view deallocated
func (v *View) Kill() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.alive = false
}

func (v *View) Evaluate(ctx context.Context, js string, world host.ContentWorld) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return nil, host.ErrViewClosed
	}
	v.evals = append(v.evals, Evaluation{JS: js, World: world})
	fn := v.onEvaluate
	v.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(js, world)
}

// Evaluations returns the recorded Evaluate calls
func (v *View) Evaluations() []Evaluation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Evaluation, len(v.evals))
	copy(out, v.evals)
	return out
}

// EvaluationsOf returns the recorded scripts that call function
func (v *View) EvaluationsOf(function string) []Evaluation {
	var out []Evaluation
	for _, e := range v.Evaluations() {
		if strings.Contains(e.JS, function+"(") {
			out = append(out, e)
		}
	}
	return out
}

func (v *View) AddUserScript(script host.UserScript) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts = append(v.scripts, script)
}

func (v *View) RemoveAllUserScripts() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts = nil
}

func (v *View) UserScripts() []host.UserScript {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]host.UserScript, len(v.scripts))
	copy(out, v.scripts)
	return out
}

func (v *View) AddMessageHandler(name string, world host.ContentWorld, handler host.MessageHandler) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := handlerKey{name: name, world: world.Name}
	if _, exists := v.handlers[key]; exists {
		return fmt.Errorf("handler %s already added in world %s", name, world)
	}
	v.handlers[key] = handler
	v.handlerAdds[key]++
	return nil
}

func (v *View) RemoveMessageHandler(name string, world host.ContentWorld) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.handlers, handlerKey{name: name, world: world.Name})
}

func (v *View) MessageHandlerWorlds() []host.ContentWorld {
	v.mu.Lock()
	defer v.mu.Unlock()

	seen := make(map[string]bool)
	var out []host.ContentWorld
	for key := range v.handlers {
		if !seen[key.world] {
			seen[key.world] = true
			out = append(out, host.ContentWorld{Name: key.world})
		}
	}
	return out
}

// HandlerAdds counts how many times name was added in world
func (v *View) HandlerAdds(name string, world host.ContentWorld) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.handlerAdds[handlerKey{name: name, world: world.Name}]
}

// Post delivers a script message to the handler registered under name in
// world, as if script had called webkit.messageHandlers[name].postMessage
func (v *View) Post(ctx context.Context, name string, world host.ContentWorld, body json.RawMessage) error {
	v.mu.Lock()
	handler, ok := v.handlers[handlerKey{name: name, world: world.Name}]
	url := v.url
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("no handler %s in world %s", name, world)
	}
	handler.HandleMessage(ctx, v, host.ScriptMessage{
		Name:        name,
		Body:        body,
		World:       world,
		FrameURL:    url,
		IsMainFrame: true,
	})
	return nil
}

var _ host.WebView = (*View)(nil)
