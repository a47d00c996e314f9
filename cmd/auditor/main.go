package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefislam/GraphShop/internal/auditor"
	"github.com/youcefislam/GraphShop/internal/cart"
	"github.com/youcefislam/GraphShop/internal/config"
	kafkax "github.com/youcefislam/GraphShop/internal/kafka"
	"github.com/youcefislam/GraphShop/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &auditor.Service{Redis: rdb}

	group := getenv("AUDITOR_GROUP", "cart-auditor")
	workers := mustAtoi(os.Getenv("AUDITOR_WORKERS"), "4")
	topics := []string{cart.TopicReserved, cart.TopicReleased, cart.TopicCheckedOut}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topics, workers)

	go func() {
		log.Info().Str("group", group).Strs("topics", topics).Int("workers", workers).
			Msg("auditor consumer started")
		if err := cons.Start(ctx, svc.Handle); err != nil {
			log.Error().Err(err).Msg("consumer exit")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
