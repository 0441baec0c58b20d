package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxjournal/purchases/internal/config"
	"github.com/voxjournal/purchases/internal/logger"
	"github.com/voxjournal/purchases/internal/store"
	"github.com/voxjournal/purchases/pkg/voxiap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	purchase := flag.String("purchase", "", "optional product ID to buy through the sandbox store on startup")
	flag.Parse()

	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	if err := run(*configPath, *purchase); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, purchaseProduct string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "vox-purchases",
		Environment: cfg.Logging.Environment,
	})

	// The standalone binary runs against the sandbox store. Real apps embed
	// pkg/voxiap and inject their platform billing bridge instead.
	products := make([]store.Product, 0, len(cfg.Pricing.Products))
	for id := range cfg.Pricing.Products {
		products = append(products, store.Product{ID: id, Kind: store.KindConsumable})
	}
	gateway := store.NewSandboxGateway(cfg.Store.PackageName, products)

	app, err := voxiap.NewApp(cfg, gateway, voxiap.WithLogger(appLogger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		app.Close()
		return fmt.Errorf("start: %w", err)
	}

	if purchaseProduct != "" {
		if err := app.Purchase(ctx, purchaseProduct); err != nil {
			appLogger.Error().Err(err).Str("product_id", purchaseProduct).Msg("reconciler.purchase_failed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info().Str("signal", sig.String()).Msg("reconciler.shutting_down")

	cancel()
	return app.Close()
}
