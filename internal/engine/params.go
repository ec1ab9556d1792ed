package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/domain"

	"github.com/rs/zerolog/log"
)

type ParamsStore interface {
	LoadTradingConfig(ctx context.Context, name string) (*domain.TradingConfig, error)
	SaveTradingConfig(ctx context.Context, name string, params []byte) error
}

// SyncTradingParams overlays the named trading config onto the env-derived
// params. Fields missing from the stored blob keep their current value. When
// no config is stored yet, the current params are saved under that name.
// On any error the current params are returned unchanged.
func SyncTradingParams(ctx context.Context, s ParamsStore, name string, current config.TradingParams) (config.TradingParams, error) {
	stored, err := s.LoadTradingConfig(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		blob, err := json.Marshal(current)
		if err != nil {
			return current, fmt.Errorf("encode trading config: %w", err)
		}
		if err := s.SaveTradingConfig(ctx, name, blob); err != nil {
			return current, fmt.Errorf("save trading config %q: %w", name, err)
		}
		log.Info().Str("name", name).Msg("stored initial trading config")
		return current, nil
	}
	if err != nil {
		return current, fmt.Errorf("load trading config %q: %w", name, err)
	}

	merged := current
	if err := json.Unmarshal(stored.Params, &merged); err != nil {
		return current, fmt.Errorf("decode trading config %q: %w", name, err)
	}
	if merged.MinPositionSize > merged.MaxPositionSize || merged.CheckIntervalSecs <= 0 || merged.Pair == "" {
		return current, fmt.Errorf("trading config %q: inconsistent values", name)
	}
	log.Info().Str("name", name).Time("updated_at", stored.UpdatedAt).Msg("loaded trading config")
	return merged, nil
}
