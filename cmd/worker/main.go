package main

import (
	"log/slog"
	"os"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"marketplace_checkout/internal/config"
	"marketplace_checkout/internal/database"
	"marketplace_checkout/internal/notify"
	"marketplace_checkout/internal/search"
	"marketplace_checkout/internal/tasks"
)

// Worker Temporal : exécute les workflows post-checkout démarrés par le serveur.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ configuration invalide", slog.Any("error", err))
		os.Exit(1)
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var carrier tasks.Carrier
	if cfg.CarrierWebhookURL != "" {
		carrier = notify.NewCarrier(cfg.CarrierWebhookURL, log)
	}
	var indexer tasks.Indexer
	if cfg.ElasticURL != "" {
		es, err := database.ConnectElastic(cfg.ElasticURL, cfg.ElasticUser, cfg.ElasticPassword)
		if err != nil {
			log.Error("❌ Elasticsearch", slog.Any("error", err))
			os.Exit(1)
		}
		indexer = search.NewOrderIndexer(es, search.DefaultIndex, log)
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    temporallog.NewStructuredLogger(log),
	})
	if err != nil {
		log.Error("❌ connexion Temporal", slog.Any("error", err))
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(tasks.PostCheckoutWorkflow, workflow.RegisterOptions{Name: tasks.PostCheckoutWorkflowName})
	w.RegisterActivity(tasks.NewActivities(carrier, indexer, log))

	log.Info("👷 worker post-checkout démarré", slog.String("queue", cfg.TemporalTaskQueue))
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Error("❌ worker arrêté", slog.Any("error", err))
		os.Exit(1)
	}
}
