package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/config"
	"github.com/Vasu1712/framerate-backend/internal/storage"
	"github.com/Vasu1712/framerate-backend/internal/storage/memory"
	"github.com/Vasu1712/framerate-backend/internal/storage/postgres"
	"github.com/Vasu1712/framerate-backend/internal/storage/valkeystore"
	"github.com/Vasu1712/framerate-backend/internal/ws"
)

// backend is the store chosen by configuration plus the extras only some
// stores offer.
type backend struct {
	name  string
	store storage.Store
	// relay is set when several processes can share the store.
	relay ws.Relay
	// pg and pgRelay are set for the postgres store, whose expired rows and
	// relayed messages need purging.
	pg      *postgres.Store
	pgRelay *ws.PostgresRelay
}

func (b *backend) Close() {
	if b.pgRelay != nil {
		if err := b.pgRelay.Close(); err != nil {
			log.Error().Err(err).Msg("error closing postgres relay")
		}
	}
	if err := b.store.Close(); err != nil {
		log.Error().Err(err).Str("store", b.name).Msg("error closing store")
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memoryBackend(), nil
	case config.BackendPostgres:
		st, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		relay, err := ws.NewPostgresRelay(ctx, st.DB(), cfg.DatabaseURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("postgres relay: %w", err)
		}
		return &backend{name: config.BackendPostgres, store: st, relay: relay, pg: st, pgRelay: relay}, nil
	case config.BackendValkey:
		return valkeyBackend(cfg)
	default:
		b, err := valkeyBackend(cfg)
		if err != nil {
			log.Error().Err(err).Msg("valkey connect failed, using in-memory store")
			return memoryBackend(), nil
		}
		return b, nil
	}
}

func memoryBackend() *backend {
	return &backend{name: config.BackendMemory, store: memory.NewStore()}
}

func valkeyBackend(cfg config.Config) (*backend, error) {
	client, err := valkeystore.Connect(cfg.ValkeyAddr, cfg.ValkeyPassword)
	if err != nil {
		return nil, err
	}
	return &backend{
		name:  config.BackendValkey,
		store: valkeystore.New(client),
		relay: ws.NewValkeyRelay(client),
	}, nil
}
