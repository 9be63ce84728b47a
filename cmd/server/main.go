package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"marketplace_checkout/internal/audit"
	"marketplace_checkout/internal/cache"
	"marketplace_checkout/internal/config"
	"marketplace_checkout/internal/database"
	"marketplace_checkout/internal/gateway"
	"marketplace_checkout/internal/handlers"
	"marketplace_checkout/internal/middleware"
	"marketplace_checkout/internal/notify"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/payment"
	"marketplace_checkout/internal/payment/appmax"
	"marketplace_checkout/internal/payment/stripegw"
	"marketplace_checkout/internal/routes"
	"marketplace_checkout/internal/search"
	"marketplace_checkout/internal/services"
	"marketplace_checkout/internal/shipping"
	"marketplace_checkout/internal/store/postgres"
	"marketplace_checkout/internal/tasks"
	"marketplace_checkout/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ configuration invalide", slog.Any("error", err))
		os.Exit(1)
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("❌ arrêt du serveur", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	clients, err := database.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer clients.Close(log)

	st := postgres.New(clients.Postgres)
	if err := st.InitSchema(ctx); err != nil {
		return err
	}
	rdb := cache.New(clients.Redis, log)

	// --- Abonnés aux changements de statut ---
	events := orders.NewListeners(log)
	hub := notify.NewHub(rdb, log)
	events.Add(hub)

	var indexer *search.OrderIndexer
	if clients.Elastic != nil {
		indexer = search.NewOrderIndexer(clients.Elastic, search.DefaultIndex, log)
		events.Add(indexer)
	}

	var auditLog webhooks.AuditLog
	if clients.Scylla != nil {
		scylla := audit.NewScylla(clients.Scylla, log)
		if err := scylla.EnsureSchema(ctx); err != nil {
			return err
		}
		events.Add(scylla)
		auditLog = scylla
	}

	var mailer *notify.Mailer
	if cfg.SMTPHost != "" {
		mailer, err = notify.NewMailer(notify.SMTPConfig{
			Host: cfg.SMTPHost, Port: cfg.SMTPPort, Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword, From: cfg.SMTPFrom,
		}, st, log)
		if err != nil {
			return err
		}
		events.Add(mailer)
	} else {
		log.Warn("⚠️ SMTP_HOST vide : pas d'email de confirmation")
	}

	// --- Tâches post-commande ---
	dispatcher, closeTasks, err := newDispatcher(cfg, rdb, indexer, log)
	if err != nil {
		return err
	}
	defer closeTasks()

	// --- Passerelles ---
	registry := gateway.NewRegistry(gateway.StoreSource{Store: st}, cfg.DefaultGateway, cfg.GatewayRefreshInterval, log)
	if err := registry.Load(ctx); err != nil {
		log.Warn("⚠️ passerelles non chargées, passerelle par défaut utilisée", slog.Any("error", err))
	}

	var artifacts payment.Artifacts
	if clients.MinIO != nil {
		artifacts = services.NewMinioArtifacts(clients.MinIO, cfg.MinioBucket, log)
	}
	simulator := payment.NewSimulator(cfg.SimulatorApprovalPct, artifacts)
	var live []payment.Gateway
	if cfg.AppMaxAPIKey != "" {
		live = append(live, appmax.New(cfg.AppMaxAPIKey, !cfg.AppMaxSandbox, log))
	}
	if cfg.StripeSecretKey != "" {
		live = append(live, stripegw.New(cfg.StripeSecretKey, log))
	}
	simulate := cfg.PaymentsMode == config.PaymentsSimulator
	if simulate {
		log.Warn("🧪 PAYMENTS_MODE=simulator : aucune passerelle réelle ne sera appelée")
	}
	resolver := payment.NewResolver(simulate, simulator, live...)

	// --- Composants métier ---
	calc := shipping.NewCalculator(shipping.DefaultTables(), cfg.ShippingFreeThreshold)
	orch := orders.NewOrchestrator(st, calc, registry, dispatcher, events, orders.Options{
		ShippingMode:      cfg.OrderShippingMode,
		FlatFee:           cfg.ShippingFlatFee,
		FreeThreshold:     cfg.ShippingFreeThreshold,
		TxTimeout:         cfg.OrderTxTimeout,
		PostCommitTimeout: cfg.PostCommitTimeout,
	}, log)
	proc := payment.NewProcessor(st, registry, resolver, events, log)
	quotes := shipping.NewService(calc, st, rdb, cfg.ShippingCacheTTL, log)
	reconciler := webhooks.NewReconciler(st, rdb, auditLog, events, log,
		webhooks.AppMax{Secret: cfg.AppMaxWebhookSecret},
		webhooks.Stripe{Secret: cfg.StripeWebhookSecret},
	)

	go proc.RunExpiry(ctx, time.Minute)

	// --- HTTP ---
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log), cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:   []string{middleware.RequestIDHeader, "X-RateLimit-Remaining"},
		MaxAge:          12 * time.Hour,
	}))

	h := handlers.New(handlers.Deps{
		Orders: orch, Payments: proc, Shipping: quotes, Webhooks: reconciler,
		Gateways: registry, Hub: hub, Search: indexer, Failed: rdb,
	}, log)
	routes.RegisterRoutes(r, h, routes.Guards{
		Auth: middleware.AuthRequired([]byte(cfg.JWTSecret), rdb, log),
		Limit: func(l middleware.Limit) gin.HandlerFunc {
			return middleware.RateLimit(rdb, l, log)
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Serveur checkout lancé", slog.String("port", cfg.Port), slog.String("payments_mode", cfg.PaymentsMode))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("🛑 arrêt en cours")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if mailer != nil {
		mailer.Wait()
	}
	return err
}

// newDispatcher choisit le backend des tâches post-commande.
func newDispatcher(cfg *config.Config, rdb *cache.Redis, indexer *search.OrderIndexer, log *slog.Logger) (orders.Dispatcher, func(), error) {
	if cfg.TasksBackend == config.TasksTemporal {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			Logger:    temporallog.NewStructuredLogger(log),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("✅ Connecté à Temporal", slog.String("queue", cfg.TemporalTaskQueue))
		return tasks.NewTemporal(c, cfg.TemporalTaskQueue, log), c.Close, nil
	}

	local := tasks.NewLocal(newActivities(cfg, indexer, log), rdb, cfg.PostCommitTimeout, 64, log)
	return local, local.Wait, nil
}

func newActivities(cfg *config.Config, indexer *search.OrderIndexer, log *slog.Logger) *tasks.Activities {
	var carrier tasks.Carrier
	if cfg.CarrierWebhookURL != "" {
		carrier = notify.NewCarrier(cfg.CarrierWebhookURL, log)
	}
	var idx tasks.Indexer
	if indexer != nil {
		idx = indexer
	}
	return tasks.NewActivities(carrier, idx, log)
}
