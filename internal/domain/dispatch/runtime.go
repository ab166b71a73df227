package dispatch

import (
	"context"
	"encoding/json"
	"runtime"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// Publisher delivers runtime messages, see router.Router.Publish
type Publisher interface {
	Publish(ctx context.Context, requestID id.RequestID, message json.RawMessage, target *extension.ID, sender router.MessageSender, sendingView host.WebView, sendingWorld host.ContentWorld) (json.RawMessage, error)
}

// PlatformInfo is the runtime.getPlatformInfo result
type PlatformInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	NaclArch string `json:"nacl_arch"`
}

var platformOS = map[string]string{
	"darwin":  "mac",
	"ios":     "mac",
	"windows": "win",
	"linux":   "linux",
	"android": "android",
	"openbsd": "openbsd",
	"freebsd": "openbsd",
}

var platformArch = map[string]string{
	"amd64":  "x86-64",
	"386":    "x86-32",
	"arm64":  "arm64",
	"arm":    "arm",
	"mips":   "mips",
	"mips64": "mips64",
}

// CurrentPlatform describes the machine the runtime is running on
func CurrentPlatform() PlatformInfo {
	name, ok := platformOS[runtime.GOOS]
	if !ok {
		name = runtime.GOOS
	}
	arch, ok := platformArch[runtime.GOARCH]
	if !ok {
		arch = runtime.GOARCH
	}
	return PlatformInfo{OS: name, Arch: arch, NaclArch: arch}
}

type sendMessageRequest struct {
	ExtensionID *string         `json:"extensionId"`
	Message     json.RawMessage `json:"message"`
	Options     json.RawMessage `json:"options"`
}

// RegisterRuntime adds the runtime.* handlers
func RegisterRuntime(d *Dispatcher, publisher Publisher) {
	platform := CurrentPlatform()

	d.MustRegister("runtime.getPlatformInfo", Typed[struct{}, PlatformInfo]{
		Fn: func(context.Context, *Context, struct{}) (PlatformInfo, error) {
			return platform, nil
		},
	})

	d.MustRegister("runtime.sendMessage", Typed[sendMessageRequest, json.RawMessage]{
		Fn: func(ctx context.Context, call *Context, req sendMessageRequest) (json.RawMessage, error) {
			var target *extension.ID
			if req.ExtensionID != nil && *req.ExtensionID != "" {
				ext := extension.ID(*req.ExtensionID)
				target = &ext
			}
			message := req.Message
			if len(message) == 0 {
				message = json.RawMessage("null")
			}

			response, err := publisher.Publish(ctx, call.RequestID, message, target, call.Sender(), call.View, call.World)
			if err != nil {
				return nil, err
			}
			if len(response) == 0 {
				return NoValue, nil
			}
			return response, nil
		},
	})
}
