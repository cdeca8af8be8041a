package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
	"gitlab.com/dirk.krummacker/giftagent/internal/config"
	"gitlab.com/dirk.krummacker/giftagent/internal/delivery"
	"gitlab.com/dirk.krummacker/giftagent/internal/gifting"
	"gitlab.com/dirk.krummacker/giftagent/internal/logger"
	"gitlab.com/dirk.krummacker/giftagent/internal/payman"
	"gitlab.com/dirk.krummacker/giftagent/internal/store"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg          *config.Config
	log          *zap.Logger
	db           *sqlx.DB
	registry     *prometheus.Registry
	contacts     *store.ContactStore
	transactions *store.TransactionStore
	dispatcher   *gifting.Dispatcher
	sweeper      *delivery.Sweeper
}

// newApp loads the configuration and wires all components. Missing credentials fail here,
// before any work is done.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(cfg.Log)

	db, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}
	contacts, err := store.NewContactStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	transactions, err := store.NewTransactionStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher, err := gifting.NewDispatcher(contacts, transactions, payman.NewClient(cfg.Payman), gifting.Options{
		MaxConcurrency: cfg.Gifting.MaxConcurrency,
		CallTimeout:    cfg.Gifting.CallTimeout,
		RunTimeout:     cfg.Gifting.RunTimeout,
		Location:       cfg.Gifting.Location,
		Matcher:        birthday.Matcher{LeapDay: cfg.Gifting.LeapDay},
	}, log.Named("gifting"), gifting.NewMetrics(registry))
	if err != nil {
		db.Close()
		return nil, err
	}
	sweeper, err := delivery.NewSweeper(transactions, delivery.Options{
		ShipAfter:    cfg.Delivery.ShipAfter,
		DeliverAfter: cfg.Delivery.DeliverAfter,
	}, log.Named("delivery"), registry)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		registry:     registry,
		contacts:     contacts,
		transactions: transactions,
		dispatcher:   dispatcher,
		sweeper:      sweeper,
	}, nil
}

func (a *app) close() {
	a.db.Close()
	_ = a.log.Sync()
}
