package background

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
)

// navigation admits exactly one navigation, to the generated page, and
// reports its outcome on done
type navigation struct {
	url    string
	logger *logging.Logger

	mu        sync.Mutex
	decisions int
	settled   bool
	done      chan error

	// onTerminated runs when the process dies after the load settled
	onTerminated func()
}

func newNavigation(url string, logger *logging.Logger, onTerminated func()) *navigation {
	return &navigation{
		url:          url,
		logger:       logger,
		done:         make(chan error, 1),
		onTerminated: onTerminated,
	}
}

func (n *navigation) DecidePolicy(action host.NavigationAction) host.NavigationPolicy {
	n.mu.Lock()
	n.decisions++
	first := n.decisions == 1
	n.mu.Unlock()

	if first && action.URL == n.url && !action.IsRedirect {
		return host.NavigationAllow
	}
	n.logger.Warn("Blocked background navigation",
		zap.String("url", action.URL),
		zap.Bool("redirect", action.IsRedirect),
	)
	return host.NavigationCancel
}

// Decisions returns how many policy decisions were requested
func (n *navigation) Decisions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decisions
}

func (n *navigation) DidFinish(string) {
	n.settle(nil)
}

func (n *navigation) DidFail(url string, err error) {
	if !n.settle(err) {
		n.logger.Debug("Ignoring failure after load settled", zap.String("url", url), zap.Error(err))
	}
}

func (n *navigation) ProcessTerminated() {
	if n.settle(host.ErrProcessTerminated) {
		return
	}
	n.logger.Error("Background script process terminated")
	if n.onTerminated != nil {
		n.onTerminated()
	}
}

// settle reports the first outcome and returns false for later ones
func (n *navigation) settle(err error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.settled {
		return false
	}
	n.settled = true
	n.done <- err
	return true
}

// denyUI refuses every UI request from background script
type denyUI struct {
	logger *logging.Logger
}

func (d denyUI) AllowWindowOpen(url string) bool {
	d.logger.Debug("Denied window.open", zap.String("url", url))
	return false
}

func (d denyUI) AllowDialog(kind host.DialogKind, message string) bool {
	d.logger.Debug("Denied dialog", zap.String("kind", string(kind)), zap.String("message", message))
	return false
}

func (d denyUI) AllowFilePanel() bool {
	return false
}

func (d denyUI) AllowMediaCapture(kind string) bool {
	d.logger.Debug("Denied media capture", zap.String("kind", kind))
	return false
}
