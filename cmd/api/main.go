package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefislam/GraphShop/internal/cart"
	"github.com/youcefislam/GraphShop/internal/config"
	"github.com/youcefislam/GraphShop/internal/httpx"
	kafkax "github.com/youcefislam/GraphShop/internal/kafka"
	"github.com/youcefislam/GraphShop/internal/postgres"
	"github.com/youcefislam/GraphShop/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per lifecycle topic
	pReserved := kafkax.NewProducer(cfg.KafkaBrokers, cart.TopicReserved, 1024)
	pReserved.Start(ctx)
	pReleased := kafkax.NewProducer(cfg.KafkaBrokers, cart.TopicReleased, 1024)
	pReleased.Start(ctx)
	pCheckout := kafkax.NewProducer(cfg.KafkaBrokers, cart.TopicCheckedOut, 1024)
	pCheckout.Start(ctx)

	// Engine
	store := &cart.PgStore{DB: db}
	engine := cart.NewEngine(store, cart.Emitters{
		Reserved:   pReserved,
		Released:   pReleased,
		CheckedOut: pCheckout,
	}, cfg.ReservationWindow, cfg.ServiceName)
	defer engine.Stop()

	// rebuild expiry timers before taking traffic
	if err := engine.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}

	// supervisory sweep
	sweeper := &cart.Sweeper{
		Store:    store,
		Engine:   engine,
		Interval: cfg.SweepInterval,
		Grace:    cfg.SweepGrace,
	}
	go sweeper.Run(ctx)

	// HTTP
	router := httpx.NewRouter()
	ch := &httpx.CartHandler{Engine: engine, Store: store, Redis: rdb}
	ch.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)

	engine.Stop() // pending windows come back via recovery on next start
	pReserved.Close()
	pReleased.Close()
	pCheckout.Close()
	cancel()
	pReserved.WaitClosed()
	pReleased.WaitClosed()
	pCheckout.WaitClosed()
}
