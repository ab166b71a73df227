package jsapi

import (
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
)

func testExtension() *extension.Extension {
	return &extension.Extension{
		ID: "aaaabbbbccccddddeeeeffffgggghhhh",
		Manifest: &extension.Manifest{
			ManifestVersion: 3,
			Name:            "Test </script> extension",
			Version:         "1.0",
		},
		Permissions: permission.NewSet([]string{"storage"}, nil),
		ContentScripts: []extension.ContentScript{{
			Matches:        []*permission.MatchPattern{permission.MustParseMatchPattern("https://example.com/*")},
			ExcludeMatches: []*permission.MatchPattern{permission.MustParseMatchPattern("https://example.com/private/*")},
			RunAt:          extension.RunAtDocumentIdle,
			Scripts:        []extension.ScriptSource{{Path: "content.js", Code: "window.contentRan = true;"}},
		}},
	}
}

func TestPreludeCompiles(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"trusted", Config{Trusted: true}},
		{"untrusted", Config{Token: "tok"}},
		{"content world", Config{Token: "tok", WithContentScripts: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Extension = testExtension()
			cfg.BaseURL = "webext-extension://aaaabbbbccccddddeeeeffffgggghhhh/"
			cfg.CallbackFunction = "__ext_cb_0123"

			src, err := Prelude(cfg)
			require.NoError(t, err)

			_, err = goja.Compile(tt.name, src, false)
			require.NoError(t, err)

			assert.Contains(t, src, `"__ext_cb_0123"`)
			assert.NotContains(t, src, "</script>")
		})
	}
}

func TestPreludeUntrustedSetters(t *testing.T) {
	cfg := Config{
		Extension:        testExtension(),
		CallbackFunction: "__ext_cb_x",
		Token:            "secret-token",
		AreaAllowed:      map[storage.Area]bool{storage.Local: false},
	}

	untrusted, err := Prelude(cfg)
	require.NoError(t, err)
	for _, area := range storage.Areas {
		assert.Contains(t, untrusted, AreaSetter(area))
	}
	assert.Contains(t, untrusted, `"secret-token"`)
	assert.Contains(t, untrusted, "allowed[\"local\"] = false;")
	assert.Contains(t, untrusted, "allowed[\"sync\"] = true;")
	assert.Contains(t, untrusted, "allowed[\"session\"] = false;")
	assert.Contains(t, untrusted, "allowed[\"managed\"] = true;")

	cfg.Trusted = true
	trusted, err := Prelude(cfg)
	require.NoError(t, err)
	assert.NotContains(t, trusted, "__ext_setLocalAllowed")
	assert.NotContains(t, trusted, "secret-token")
}

func TestPreludeContentScripts(t *testing.T) {
	ext := testExtension()
	cfg := Config{Extension: ext, CallbackFunction: "__ext_cb_x"}

	without, err := Prelude(cfg)
	require.NoError(t, err)
	assert.NotContains(t, without, "window.contentRan")

	cfg.WithContentScripts = true
	with, err := Prelude(cfg)
	require.NoError(t, err)
	assert.Contains(t, with, "window.contentRan = true;")
	assert.Contains(t, with, `"document_idle"`)
	assert.Equal(t, 2, strings.Count(with, "matchesAny(["))
}

func TestPreludeValidation(t *testing.T) {
	_, err := Prelude(Config{CallbackFunction: "x"})
	assert.Error(t, err)

	_, err = Prelude(Config{Extension: testExtension()})
	assert.Error(t, err)
}

func TestAreaSetter(t *testing.T) {
	assert.Equal(t, "__ext_setLocalAllowed", AreaSetter(storage.Local))
	assert.Equal(t, "__ext_setManagedAllowed", AreaSetter(storage.Managed))
}

func TestConsoleCaptureCompiles(t *testing.T) {
	src := ConsoleCapture()
	assert.Contains(t, src, `"`+ConsoleHandler+`"`)
	_, err := goja.Compile("console", src, false)
	assert.NoError(t, err)
}
