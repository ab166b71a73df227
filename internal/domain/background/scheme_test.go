package background

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
)

func schemeFixture(t *testing.T) *SchemeHandler {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"bg.js":             "console.log('bg');",
		"images/icon.png":   "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR",
		"public/style.css":  "body{}",
		"private/notes.txt": "secret",
	}
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	ext := &extension.Extension{
		ID:   testID,
		Path: root,
		Manifest: &extension.Manifest{
			ManifestVersion: 3,
			Name:            "A",
			Version:         "1",
			WebAccessibleResources: []extension.WebAccessibleResource{
				{Resources: []string{"public/**"}, Matches: []string{"https://example.com/*"}},
				{Resources: []string{"images/*.png"}},
			},
		},
	}
	lookup := func(id extension.ID) (*extension.Extension, bool) {
		if id == testID {
			return ext, true
		}
		return nil, false
	}
	return NewSchemeHandler("webext-extension", lookup, nil)
}

func TestSchemeHandler(t *testing.T) {
	h := schemeFixture(t)
	own := "webext-extension://" + string(testID)

	tests := []struct {
		name        string
		method      string
		url         string
		origin      string
		status      int
		contentType string
	}{
		{"generated page", http.MethodGet, own + "/" + GeneratedPage, "", http.StatusOK, "text/html; charset=utf-8"},
		{"own script", http.MethodGet, own + "/bg.js", own, http.StatusOK, "text/javascript; charset=utf-8"},
		{"sniffed png", http.MethodGet, own + "/images/icon.png", "", http.StatusOK, "image/png"},
		{"missing file", http.MethodGet, own + "/nope.js", "", http.StatusNotFound, ""},
		{"directory", http.MethodGet, own + "/public", "", http.StatusNotFound, ""},
		{"escape", http.MethodGet, own + "/../../etc/passwd", "", http.StatusNotFound, ""},
		{"unknown extension", http.MethodGet, "webext-extension://zzzz/bg.js", "", http.StatusNotFound, ""},
		{"accessible to matching origin", http.MethodGet, own + "/public/style.css", "https://example.com", http.StatusOK, "text/css; charset=utf-8"},
		{"not accessible to other origin", http.MethodGet, own + "/public/style.css", "https://evil.test", http.StatusForbidden, ""},
		{"accessible to any origin", http.MethodGet, own + "/images/icon.png", "https://evil.test", http.StatusOK, "image/png"},
		{"private to foreign origin", http.MethodGet, own + "/private/notes.txt", "https://example.com", http.StatusForbidden, ""},
		{"post", http.MethodPost, own + "/bg.js", "", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestSchemeHandlerHead(t *testing.T) {
	h := schemeFixture(t)
	req := httptest.NewRequest(http.MethodHead, "webext-extension://"+string(testID)+"/bg.js", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
