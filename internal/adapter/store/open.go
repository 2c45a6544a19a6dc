package store

import (
	"context"
	"fmt"

	"llm-playground/internal/domain"
	"llm-playground/internal/infra/config"
)

// Open returns the conversation store selected by cfg and a function that
// releases it.
func Open(ctx context.Context, cfg config.StoreConfig) (domain.ConversationRepository, func() error, error) {
	switch cfg.Driver {
	case "sqlite", "":
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
