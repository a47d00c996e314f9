package auditor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/youcefislam/GraphShop/internal/cart"
	kafkax "github.com/youcefislam/GraphShop/internal/kafka"
	"github.com/youcefislam/GraphShop/internal/redisx"
)

// Service tails cart lifecycle events: it drops stale product cache entries
// whenever stock moves and keeps an audit trail of checkouts in the log.
type Service struct {
	Redis *redis.Client
}

// Handle is installed as the consumer handler.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	var env cart.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup via Redis keyed by event_id
	dkey := fmt.Sprintf(redisx.KeyDedup, "auditor", env.EventID)
	exists, _ := redisx.Exists(ctx, s.Redis, dkey)
	if exists {
		return nil
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	switch env.EventType {
	case cart.EventReserved:
		p, err := kafkax.UnwrapPayload[cart.ReservedPayload](env.Payload)
		if err != nil {
			return err
		}
		s.invalidate(ctx, p.ProductID)

	case cart.EventReleased:
		p, err := kafkax.UnwrapPayload[cart.ReleasedPayload](env.Payload)
		if err != nil {
			return err
		}
		s.invalidate(ctx, p.ProductID)
		log.Info().
			Int64("client_id", p.ClientID).
			Int64("product_id", p.ProductID).
			Int("qty", p.Qty).
			Str("reason", p.Reason).
			Msg("reservation released")

	case cart.EventCheckedOut:
		p, err := kafkax.UnwrapPayload[cart.CheckedOutPayload](env.Payload)
		if err != nil {
			return err
		}
		for _, pu := range p.Purchases {
			s.invalidate(ctx, pu.ProductID)
		}
		log.Info().
			Int64("client_id", p.ClientID).
			Int64("total_cents", p.TotalCents).
			Int("purchases", len(p.Purchases)).
			Msg("checkout recorded")

	default:
		// unknown event versions pass through untouched
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, productID int64) {
	key := fmt.Sprintf(redisx.KeyProduct, productID)
	if err := s.Redis.Del(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Int64("product_id", productID).Msg("cache invalidation failed")
	}
}
