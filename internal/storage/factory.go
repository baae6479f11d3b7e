package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/registry"
)

// OpenOptions is passed to every BackendOpener.
type OpenOptions struct {
	CloseDelay time.Duration // delay before closing remote handles
	Logger     zerolog.Logger
}

// BackendOpener connects to the physical storage a descriptor names.
type BackendOpener func(ctx context.Context, desc *registry.Storage, opts OpenOptions) (Backend, error)

// Factory opens adapters for descriptors by kind.
type Factory struct {
	Openers    map[registry.StorageKind]BackendOpener
	CloseDelay time.Duration
	BufferSize int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Open builds the adapter for desc.
func (f *Factory) Open(ctx context.Context, desc *registry.Storage) (Adapter, error) {
	open, ok := f.Openers[desc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, desc.Kind)
	}
	backend, err := open(ctx, desc, OpenOptions{CloseDelay: f.CloseDelay, Logger: f.Logger})
	if err != nil {
		return nil, Error.New("open storage %s: %v", desc.ID, err)
	}
	f.Logger.Debug().Str("storage", desc.ID).Str("kind", string(desc.Kind)).Str("host", desc.Host).Msg("storage opened")
	return NewBlobAdapter(desc.ID, backend, BlobConfig{
		BufferSize: f.BufferSize,
		Logger:     f.Logger,
		Metrics:    f.Metrics,
	}), nil
}
