package gojahost_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/background"
	"github.com/GriffinCanCode/webext/internal/domain/bridge"
	"github.com/GriffinCanCode/webext/internal/domain/callback"
	"github.com/GriffinCanCode/webext/internal/domain/dispatch"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/domain/world"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/host/gojahost"
)

const extID extension.ID = "abcdefghijklmnopabcdefghijklmnop"

const backgroundScript = `
chrome.runtime.onMessage.addListener(function (msg, sender, sendResponse) {
  sendResponse({ pong: msg.ping, from: sender.id });
});
chrome.storage.onChanged.addListener(function (changes, area) {
  self.lastChange = { changes: changes, area: area };
});
self.ready = true;
`

type runtimeFixture struct {
	manager    *world.Manager
	background *background.Service
	page       *gojahost.View
}

func newRuntime(t *testing.T) *runtimeFixture {
	t.Helper()
	ctx := context.Background()

	pattern, err := permission.ParseMatchPattern("https://example.com/*")
	require.NoError(t, err)
	ext := &extension.Extension{
		ID:          extID,
		Manifest:    &extension.Manifest{ManifestVersion: 3, Name: "Runtime", Version: "1.0"},
		Permissions: permission.NewSet([]string{"storage"}, nil),
		ContentScripts: []extension.ContentScript{{
			Matches: []*permission.MatchPattern{pattern},
			RunAt:   extension.RunAtDocumentEnd,
			Scripts: []extension.ScriptSource{{Path: "content.js", Code: "window.injected = chrome.runtime.id;"}},
		}},
		Background: &extension.BackgroundScript{
			Scripts: []extension.ScriptSource{{Path: "bg.js", Code: backgroundScript}},
		},
	}

	r := router.New(nil)
	store := storage.NewManager(storage.NewMemoryProvider(), r, nil)
	d := dispatch.New(nil)
	dispatch.RegisterRuntime(d, r)
	dispatch.RegisterStorage(d, store, r)
	b := bridge.New(bridge.Config{
		Dispatcher: d,
		Callbacks:  callback.New(nil),
		Router:     r,
		Storage:    store,
	})

	lookup := func(id extension.ID) (*extension.Extension, bool) { return ext, id == ext.ID }
	svc := background.NewService(gojahost.NewFactory(nil), b, background.NewSchemeHandler(b.Scheme(), lookup, nil), nil)
	m := world.NewManager(b, svc, nil)
	t.Cleanup(func() { svc.StopAll(context.Background()) })

	require.NoError(t, m.Activate(ctx, ext))
	m.Wait()
	require.True(t, svc.IsActive(ext.ID))

	page := gojahost.NewView(gojahost.Options{Label: "page"})
	t.Cleanup(page.Close)
	m.RegisterWebView(ctx, page)
	require.NoError(t, page.Navigate(ctx, "https://example.com/index.html"))

	return &runtimeFixture{manager: m, background: svc, page: page}
}

func waitFor(t *testing.T, eval func() (string, error), want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := eval()
		return err == nil && got == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *runtimeFixture) content(js string) (string, error) {
	raw, err := f.page.Evaluate(context.Background(), js, world.WorldFor(extID))
	return string(raw), err
}

func (f *runtimeFixture) backgroundEval(js string) (string, error) {
	raw, err := f.background.Evaluate(context.Background(), extID, js)
	return string(raw), err
}

func TestContentScriptRuns(t *testing.T) {
	f := newRuntime(t)

	got, err := f.content("window.injected")
	require.NoError(t, err)
	assert.Equal(t, `"`+string(extID)+`"`, got)

	got, err = f.backgroundEval("self.ready")
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	raw, err := f.page.Evaluate(context.Background(), "typeof window.chrome", host.PageWorld)
	require.NoError(t, err)
	assert.Equal(t, `"undefined"`, string(raw))
}

func TestSendMessageToBackground(t *testing.T) {
	f := newRuntime(t)

	_, err := f.content("chrome.runtime.sendMessage({ ping: 7 }).then(function (r) { window.reply = r; })")
	require.NoError(t, err)

	waitFor(t, func() (string, error) { return f.content("JSON.stringify(window.reply)") },
		`"{\"pong\":7,\"from\":\"`+string(extID)+`\"}"`)
}

func TestStorageRoundTripAndChangeEvent(t *testing.T) {
	f := newRuntime(t)

	_, err := f.content(`chrome.storage.local.set({ a: { b: 1 } })
		.then(function () { return chrome.storage.local.get('a'); })
		.then(function (r) { window.stored = r; })`)
	require.NoError(t, err)

	waitFor(t, func() (string, error) { return f.content("JSON.stringify(window.stored)") }, `"{\"a\":{\"b\":1}}"`)
	waitFor(t, func() (string, error) { return f.backgroundEval("JSON.stringify(self.lastChange)") },
		`"{\"changes\":{\"a\":{\"newValue\":{\"b\":1}}},\"area\":\"local\"}"`)
}

func TestSessionStorageHiddenFromContent(t *testing.T) {
	f := newRuntime(t)

	got, err := f.content("typeof chrome.storage.session")
	require.NoError(t, err)
	assert.Equal(t, `"undefined"`, got)

	got, err = f.backgroundEval("typeof chrome.storage.session")
	require.NoError(t, err)
	assert.Equal(t, `"object"`, got)
}

func TestErrorsRejectPromisesAndSetLastError(t *testing.T) {
	f := newRuntime(t)

	_, err := f.content(`chrome.storage.managed.set({ x: 1 }).catch(function (e) { window.failure = e.message; });
		chrome.storage.managed.set({ x: 1 }, function () { window.lastError = chrome.runtime.lastError && chrome.runtime.lastError.message; });`)
	require.NoError(t, err)

	waitFor(t, func() (string, error) { return f.content("typeof window.failure") }, `"string"`)
	waitFor(t, func() (string, error) { return f.content("typeof window.lastError") }, `"string"`)

	got, err := f.content("chrome.runtime.lastError === undefined")
	require.NoError(t, err)
	assert.Equal(t, "true", got)
}
