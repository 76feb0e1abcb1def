package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agrihedge/hedgecore/internal/contracts"
)

const priceKeyPrefix = "hedge:price:"

// RedisOracle reads the latest commodity tick from redis, where the
// price ingestion pipeline leaves it.
type RedisOracle struct {
	client *redis.Client
}

// NewRedisOracle creates an oracle over an existing redis client.
func NewRedisOracle(client *redis.Client) *RedisOracle {
	return &RedisOracle{client: client}
}

// LatestPrice implements PriceOracle. A missing key means no price data.
func (o *RedisOracle) LatestPrice(ctx context.Context, commodity contracts.Commodity) (Quote, bool, error) {
	raw, err := o.client.Get(ctx, priceKeyPrefix+string(commodity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, fmt.Errorf("failed to fetch price for %s: %w", commodity, err)
	}

	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return Quote{}, false, fmt.Errorf("failed to decode price for %s: %w", commodity, err)
	}
	return quote, true, nil
}

// Store writes a quote as the commodity's latest tick.
func (o *RedisOracle) Store(ctx context.Context, quote Quote) error {
	raw, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}

	if err := o.client.Set(ctx, priceKeyPrefix+string(quote.Commodity), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store quote for %s: %w", quote.Commodity, err)
	}
	return nil
}
