// Package jsapi renders the script installed into every extension context.
//
// The prelude defines chrome.runtime and chrome.storage on top of the native
// message bridge. In content worlds the same script also carries the content
// script scheduler, so a view receives exactly one user script per active
// extension.
package jsapi

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
)

// Native message handler names
const (
	RequestHandler  = "requestBrowserExtension"
	ResponseHandler = "listenerResponseBrowserExtension"
	ConsoleHandler  = "consoleBrowserExtension"
)

//go:embed prelude.js.tmpl
var preludeSource string

//go:embed console.js.tmpl
var consoleSource string

var funcs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		s, err := sonic.MarshalString(v)
		if err != nil {
			return "", err
		}
		// Keep script text safe inside HTML and JS string contexts
		return scriptSafe(s), nil
	},
}

var scriptEscaper = strings.NewReplacer(
	"<", `\u003c`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// scriptSafe escapes characters of encoded JSON that may not appear raw in
// script source
func scriptSafe(encoded string) string {
	return scriptEscaper.Replace(encoded)
}

var (
	preludeTemplate = template.Must(template.New("prelude").Funcs(funcs).Parse(preludeSource))
	consoleTemplate = template.Must(template.New("console").Funcs(funcs).Parse(consoleSource))
)

// Config describes one extension context
type Config struct {
	Extension *extension.Extension
	// BaseURL is the extension origin with a trailing slash
	BaseURL string
	// Trusted contexts are background and extension pages
	Trusted bool
	// CallbackFunction is the secret response function name
	CallbackFunction string
	// Token authorizes storage availability updates in untrusted contexts
	Token string
	// AreaAllowed is the initial availability of each storage area to an
	// untrusted context
	AreaAllowed map[storage.Area]bool
	// WithContentScripts adds the content script scheduler
	WithContentScripts bool
}

type areaData struct {
	Name    string
	Allowed bool
	Setter  string
}

type scriptData struct {
	Path string
	Code string
}

type contentScriptData struct {
	Matches        []string
	ExcludeMatches []string
	RunAt          string
	AllFrames      bool
	Scripts        []scriptData
}

type preludeData struct {
	ExtensionID            string
	BaseURL                string
	Manifest               string
	Trusted                bool
	Token                  string
	CallbackFunction       string
	RequestHandler         string
	ResponseHandler        string
	InvokeListenerFunction string
	StorageChangedFunction string
	Areas                  []areaData
	ContentScripts         []contentScriptData
}

// AreaSetter returns the function that toggles area in untrusted contexts
func AreaSetter(area storage.Area) string {
	name := area.String()
	if name == "" {
		return ""
	}
	return "__ext_set" + strings.ToUpper(name[:1]) + name[1:] + "Allowed"
}

// Prelude renders the API script for cfg
func Prelude(cfg Config) (string, error) {
	if cfg.Extension == nil {
		return "", fmt.Errorf("prelude requires an extension")
	}
	if cfg.CallbackFunction == "" {
		return "", fmt.Errorf("prelude requires a callback function name")
	}

	manifest := "{}"
	if cfg.Extension.Manifest != nil {
		encoded, err := sonic.MarshalString(cfg.Extension.Manifest)
		if err != nil {
			return "", fmt.Errorf("failed to encode manifest: %w", err)
		}
		manifest = scriptSafe(encoded)
	}

	data := preludeData{
		ExtensionID:            cfg.Extension.ID.String(),
		BaseURL:                cfg.BaseURL,
		Manifest:               manifest,
		Trusted:                cfg.Trusted,
		Token:                  cfg.Token,
		CallbackFunction:       cfg.CallbackFunction,
		RequestHandler:         RequestHandler,
		ResponseHandler:        ResponseHandler,
		InvokeListenerFunction: router.InvokeListenerFunction,
		StorageChangedFunction: storage.ChangedEventFunction,
	}

	for _, area := range storage.Areas {
		allowed := cfg.Trusted || area == storage.Managed
		if !allowed {
			if v, ok := cfg.AreaAllowed[area]; ok {
				allowed = v
			} else {
				allowed = storage.DefaultAccessLevel(area).Allows(false)
			}
		}
		data.Areas = append(data.Areas, areaData{Name: area.String(), Allowed: allowed, Setter: AreaSetter(area)})
	}

	if cfg.WithContentScripts {
		for _, cs := range cfg.Extension.ContentScripts {
			data.ContentScripts = append(data.ContentScripts, contentScriptOf(cs))
		}
	}

	var buf bytes.Buffer
	if err := preludeTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prelude: %w", err)
	}
	return buf.String(), nil
}

func contentScriptOf(cs extension.ContentScript) contentScriptData {
	out := contentScriptData{
		Matches:        []string{},
		ExcludeMatches: []string{},
		RunAt:          string(cs.RunAt),
		AllFrames:      cs.AllFrames,
	}
	for _, mp := range cs.Matches {
		out.Matches = append(out.Matches, mp.Regexp())
	}
	for _, mp := range cs.ExcludeMatches {
		out.ExcludeMatches = append(out.ExcludeMatches, mp.Regexp())
	}
	for _, src := range cs.Scripts {
		out.Scripts = append(out.Scripts, scriptData{Path: src.Path, Code: src.Code})
	}
	return out
}

// ConsoleCapture renders the script that forwards console output to the
// ConsoleHandler message handler
func ConsoleCapture() string {
	var buf bytes.Buffer
	if err := consoleTemplate.Execute(&buf, map[string]string{"Handler": ConsoleHandler}); err != nil {
		panic(err)
	}
	return buf.String()
}
