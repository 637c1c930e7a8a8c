// Package directory turns the stored parameter table into created, updated and
// deleted notifications. The store is polled; each poll is diffed against the
// previous listing by ID and UpdatedAt.
package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/fkirchmann/ProductionPilot/internal/types"
)

// DefaultPollInterval applies when Config.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

// Lister lists the live parameters.
type Lister interface {
	ListParameters(ctx context.Context) ([]types.Parameter, error)
}

// Handler receives parameter changes.
type Handler interface {
	ParameterCreated(p types.Parameter)
	ParameterUpdated(p types.Parameter)
	ParameterDeleted(id types.ParameterID)
}

// Config tunes polling. A zero PollInterval means DefaultPollInterval.
type Config struct {
	PollInterval time.Duration
}

// Directory polls a Lister and reports the difference to a Handler.
// Load must be called once before Run.
type Directory struct {
	lister   Lister
	handler  Handler
	interval time.Duration
	logger   *slog.Logger

	known map[types.ParameterID]types.Parameter
}

// New creates a directory that reports changes in lister to handler.
func New(lister Lister, handler Handler, cfg Config, logger *slog.Logger) *Directory {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Directory{
		lister:   lister,
		handler:  handler,
		interval: cfg.PollInterval,
		logger:   logger,
		known:    make(map[types.ParameterID]types.Parameter),
	}
}

// Load lists the current parameters and remembers them as the baseline.
// The handler is not notified; the listing is meant for the recorder's start.
func (d *Directory) Load(ctx context.Context) ([]types.Parameter, error) {
	params, err := d.lister.ListParameters(ctx)
	if err != nil {
		return nil, err
	}
	d.known = index(params)
	d.logger.Info("directory: loaded", "parameters", len(params))
	return params, nil
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on the
// next tick.
func (d *Directory) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("directory: poll failed", "error", err)
		}
	}
}

// Poll lists the parameters once and notifies the handler of every difference
// to the previous listing. Deletions are reported first.
func (d *Directory) Poll(ctx context.Context) error {
	params, err := d.lister.ListParameters(ctx)
	if err != nil {
		return err
	}
	current := index(params)

	for id := range d.known {
		if _, ok := current[id]; !ok {
			d.logger.Debug("directory: parameter deleted", "id", id)
			d.handler.ParameterDeleted(id)
		}
	}
	for _, p := range params {
		old, ok := d.known[p.ID]
		switch {
		case !ok:
			d.logger.Debug("directory: parameter created", "parameter", p.String())
			d.handler.ParameterCreated(p)
		case !old.UpdatedAt.Equal(p.UpdatedAt):
			d.logger.Debug("directory: parameter updated", "parameter", p.String())
			d.handler.ParameterUpdated(p)
		}
	}
	d.known = current
	return nil
}

func index(params []types.Parameter) map[types.ParameterID]types.Parameter {
	m := make(map[types.ParameterID]types.Parameter, len(params))
	for _, p := range params {
		m[p.ID] = p
	}
	return m
}
