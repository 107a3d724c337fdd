// Package discovery provides the node-discovery strategies the collector
// samples from. The collector only sees the Source interface.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/models"
)

// Source yields the current flat list of raw node records.
type Source interface {
	FetchLatest(ctx context.Context) ([]models.RawNode, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]models.RawNode, error)

func (f SourceFunc) FetchLatest(ctx context.Context) ([]models.RawNode, error) {
	return f(ctx)
}

// FallbackSource tries each source in order and returns the first non-empty
// success.
type FallbackSource struct {
	sources []Source
	log     *slog.Logger
}

func NewFallback(log *slog.Logger, sources ...Source) *FallbackSource {
	if log == nil {
		log = logging.Component("discovery")
	}
	return &FallbackSource{sources: sources, log: log}
}

func (f *FallbackSource) FetchLatest(ctx context.Context) ([]models.RawNode, error) {
	var errs []error
	for i, src := range f.sources {
		records, err := src.FetchLatest(ctx)
		if err == nil && len(records) > 0 {
			if i > 0 {
				f.log.Warn("primary discovery failed, using fallback", "fallback_index", i)
			}
			return records, nil
		}
		if err == nil {
			err = apperrors.ErrEmptyDiscovery
		}
		errs = append(errs, fmt.Errorf("source %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, errors.Join(errs...))
}
