package cart

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper is the supervisory loop behind the timers. Each tick it
//   - re-releases reservations whose window elapsed but whose timer was
//     lost (crash between commit and fire), and
//   - reports products whose ledger stopped balancing.
//
// It repairs lost releases but only reports drift; drifted totals mean an
// operator has to look.
type Sweeper struct {
	Store    Store
	Engine   *Engine
	Interval time.Duration
	// Grace keeps the sweep from racing healthy timers: only reservations
	// expired for longer than Grace are reaped here.
	Grace time.Duration
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.Engine.Window() - s.Grace)
	stale, err := s.Store.ListExpired(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("sweep: list expired failed")
	}
	for _, k := range stale {
		log.Warn().
			Int64("client_id", k.ClientID).
			Int64("product_id", k.ProductID).
			Msg("sweep: reaping reservation with lost timer")
		if err := s.Engine.Release(ctx, k.ClientID, k.ProductID, ReasonReaped); err != nil {
			log.Error().Err(err).
				Int64("client_id", k.ClientID).
				Int64("product_id", k.ProductID).
				Msg("sweep: release failed")
		}
	}

	drift, err := s.Store.FindDrift(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: drift check failed")
		return
	}
	for _, d := range drift {
		log.Error().
			Int64("product_id", d.ProductID).
			Int("total_qty", d.TotalQty).
			Int("sellable_qty", d.SellableQty).
			Int("reserved_qty", d.ReservedQty).
			Msg("sweep: ledger drift detected")
	}
}
