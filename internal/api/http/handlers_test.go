package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/host/hosttest"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const manifest = `{
  "manifest_version": 3,
  "name": "Counter",
  "version": "1.0",
  "permissions": ["storage"],
  "background": {"service_worker": "bg.js"}
}`

func writeExtension(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bg.js"), []byte("var count = 0;"), 0o644))
	return dir
}

type testAPI struct {
	router  *gin.Engine
	runtime *app.Runtime
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	rt := app.New(app.Config{Factory: &hosttest.Factory{}})
	t.Cleanup(func() { rt.Close(context.Background()) })

	router := gin.New()
	NewHandlers(rt, nil).Register(router)
	return &testAPI{router: router, runtime: rt}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func (a *testAPI) register(t *testing.T) string {
	t.Helper()
	w, body := a.do(t, http.MethodPost, "/extensions", map[string]interface{}{"path": writeExtension(t)})
	require.Equal(t, http.StatusCreated, w.Code, body)
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "stats")
}

func TestExtensionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t)

	w, body := api.do(t, http.MethodGet, "/extensions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = api.do(t, http.MethodPost, "/extensions/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	api.runtime.Worlds().Wait()

	w, body = api.do(t, http.MethodGet, "/extensions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, true, body["background_running"])

	w, _ = api.do(t, http.MethodPost, "/extensions/"+id+"/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = api.do(t, http.MethodPost, "/extensions/"+id+"/deactivate", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/extensions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = api.do(t, http.MethodGet, "/extensions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ExtensionNotFound", body["error"].(map[string]interface{})["kind"])
}

func TestRegisterErrors(t *testing.T) {
	api := newTestAPI(t)
	dir := writeExtension(t)

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{"missing path", map[string]interface{}{}, http.StatusBadRequest},
		{"not a directory", map[string]interface{}{"path": filepath.Join(t.TempDir(), "nope")}, http.StatusBadRequest},
		{"first registration", map[string]interface{}{"path": dir}, http.StatusCreated},
		{"duplicate", map[string]interface{}{"path": dir}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := api.do(t, http.MethodPost, "/extensions", tt.body)
			assert.Equal(t, tt.code, w.Code, body)
		})
	}
}

func TestDispatchAndStorage(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t)

	w, body := api.do(t, http.MethodPost, "/extensions/"+id+"/dispatch",
		`{"api":"storage.local.set","items":{"count":"3"}}`)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Nil(t, body["result"])

	w, body = api.do(t, http.MethodPost, "/extensions/"+id+"/dispatch",
		`{"api":"storage.local.getBytesInUse","keys":null}`)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.EqualValues(t, len("count")+len("3"), body["result"])

	w, body = api.do(t, http.MethodGet, "/extensions/"+id+"/storage/local", nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "local", body["area"])
	assert.EqualValues(t, 3, body["items"].(map[string]interface{})["count"])

	w, _ = api.do(t, http.MethodGet, "/extensions/"+id+"/storage/cloud", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = api.do(t, http.MethodPost, "/extensions/"+id+"/dispatch", `{"api":"tabs.query"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UnknownAPI", body["error"].(map[string]interface{})["kind"])
}

func TestEvaluateBackground(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t)

	w, _ := api.do(t, http.MethodPost, "/extensions/"+id+"/background/evaluate", map[string]interface{}{"script": "1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "background not running")

	w, _ = api.do(t, http.MethodPost, "/extensions/"+id+"/background/evaluate", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{exterr.ExtensionNotFound("x"), http.StatusNotFound},
		{exterr.ExtensionAlreadyExists("x"), http.StatusConflict},
		{exterr.InsufficientPermissions("storage"), http.StatusForbidden},
		{exterr.QuotaExceeded("QUOTA_BYTES"), http.StatusRequestEntityTooLarge},
		{exterr.NotAvailable(""), http.StatusServiceUnavailable},
		{exterr.NavigationFailed("webext-extension://x/", nil), http.StatusBadGateway},
		{exterr.Internal("boom", nil), http.StatusInternalServerError},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, StatusFor(tt.err), tt.err.Error())
	}
}
