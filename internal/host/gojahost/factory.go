package gojahost

import (
	"context"

	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
)

// Factory creates goja background views
type Factory struct {
	logger *logging.Logger
}

// NewFactory creates a view factory
func NewFactory(logger *logging.Logger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) NewBackgroundView(ctx context.Context, cfg host.ViewConfig) (host.BackgroundView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewView(Options{
		Label:          cfg.Label,
		SchemeHandlers: cfg.SchemeHandlers,
		Logger:         f.logger,
	}), nil
}

var _ host.ViewFactory = (*Factory)(nil)
