package background

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
)

// GeneratedPage is the synthetic document background contexts load
const GeneratedPage = "_generated_background_page.html"

const generatedPageHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head><body></body></html>
`

// Lookup finds a registered extension by ID
type Lookup func(extension.ID) (*extension.Extension, bool)

// SchemeHandler serves <scheme>://<id>/<path> from extension directories
type SchemeHandler struct {
	scheme string
	lookup Lookup
	logger *logging.Logger
}

// NewSchemeHandler creates a handler for scheme
func NewSchemeHandler(scheme string, lookup Lookup, logger *logging.Logger) *SchemeHandler {
	return &SchemeHandler{
		scheme: scheme,
		lookup: lookup,
		logger: logging.OrNop(logger).Named("scheme"),
	}
}

func (h *SchemeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ext, ok := h.lookup(extension.ID(r.URL.Host))
	if !ok {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if rel == GeneratedPage {
		h.write(w, r, "text/html; charset=utf-8", []byte(generatedPageHTML))
		return
	}

	origin := r.Header.Get("Origin")
	if !h.accessible(ext, rel, origin) {
		h.logger.Debug("Refused resource to foreign origin",
			zap.String("extension_id", ext.ID.String()),
			zap.String("path", rel),
			zap.String("origin", origin),
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	full, err := extension.ResolveResource(ext.Path, rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Debug("Failed to read resource", zap.String("path", full), zap.Error(err))
		}
		http.NotFound(w, r)
		return
	}

	h.write(w, r, contentType(rel, data), data)
}

func (h *SchemeHandler) write(w http.ResponseWriter, r *http.Request, mime string, data []byte) {
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// accessible reports whether origin may fetch rel. The extension's own origin
// and requests without an origin see every file; anything else is limited to
// web_accessible_resources.
func (h *SchemeHandler) accessible(ext *extension.Extension, rel, origin string) bool {
	if origin == "" || origin == h.scheme+"://"+ext.ID.String() {
		return true
	}
	if ext.Manifest == nil {
		return false
	}

	for _, war := range ext.Manifest.WebAccessibleResources {
		if !matchesResource(war.Resources, rel) {
			continue
		}
		if len(war.Matches) == 0 {
			return true
		}
		for _, raw := range war.Matches {
			pattern, err := permission.ParseMatchPattern(raw)
			if err != nil {
				continue
			}
			if pattern.MatchString(origin + "/") {
				return true
			}
		}
	}
	return false
}

func matchesResource(globs []string, rel string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(strings.TrimPrefix(glob, "/"), rel); err == nil && ok {
			return true
		}
	}
	return false
}

// textTypes covers files content sniffing reports as plain text
var textTypes = map[string]string{
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
}

func contentType(rel string, data []byte) string {
	if t, ok := textTypes[strings.ToLower(path.Ext(rel))]; ok {
		return t
	}
	return mimetype.Detect(data).String()
}
