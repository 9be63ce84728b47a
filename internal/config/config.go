package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketplace_checkout/internal/money"
)

const (
	PaymentsSimulator = "simulator"
	SimulatorGateway  = "simulator"
	PaymentsLive      = "live"

	TasksLocal    = "local"
	TasksTemporal = "temporal"

	ShippingFlat       = "flat"
	ShippingCalculated = "calculated"
)

type Config struct {
	Port   string
	AppEnv string

	DatabaseURL string

	ScyllaHosts    []string
	ScyllaKeyspace string
	ScyllaUser     string
	ScyllaPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ElasticURL      string
	ElasticUser     string
	ElasticPassword string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	JWTSecret string

	PaymentsMode           string
	DefaultGateway         string
	GatewayRefreshInterval time.Duration
	SimulatorApprovalPct   int

	AppMaxAPIKey        string
	AppMaxWebhookSecret string
	AppMaxSandbox       bool

	StripeSecretKey     string
	StripeWebhookSecret string

	ShippingFreeThreshold money.Cents
	ShippingFlatFee       money.Cents
	OrderShippingMode     string
	ShippingCacheTTL      time.Duration

	OrderTxTimeout    time.Duration
	PostCommitTimeout time.Duration

	TasksBackend      string
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	CarrierWebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

// Load charge .env s'il existe puis l'environnement du process.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		slog.Info("⚠️  Aucun fichier .env trouvé, on continue avec les variables d'environnement du système")
	} else {
		slog.Info("✅ Fichier .env chargé avec succès")
	}
	return FromEnv(os.Getenv)
}

// FromEnv construit la configuration à partir d'une fonction de lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{get: getenv}

	cfg := &Config{
		Port:        r.str("PORT", "8080"),
		AppEnv:      r.str("APP_ENV", "development"),
		DatabaseURL: r.str("DATABASE_URL", ""),

		ScyllaHosts:    r.list("SCYLLA_HOSTS"),
		ScyllaKeyspace: r.str("SCYLLA_KEYSPACE", "checkout_audit"),
		ScyllaUser:     r.str("SCYLLA_USER", ""),
		ScyllaPassword: r.str("SCYLLA_PASSWORD", ""),

		RedisAddr:     r.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.int("REDIS_DB", 0),

		ElasticURL:      r.str("ELASTIC_URL", ""),
		ElasticUser:     r.str("ELASTIC_USER", ""),
		ElasticPassword: r.str("ELASTIC_PASSWORD", ""),

		MinioEndpoint:  r.str("MINIO_ENDPOINT", ""),
		MinioAccessKey: r.str("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: r.str("MINIO_SECRET_KEY", ""),
		MinioBucket:    r.str("MINIO_BUCKET", "checkout-artifacts"),
		MinioUseSSL:    r.bool("MINIO_USE_SSL", false),

		JWTSecret: r.str("JWT_SECRET", ""),

		GatewayRefreshInterval: r.duration("GATEWAY_REFRESH_INTERVAL", time.Minute),
		SimulatorApprovalPct:   r.int("SIMULATOR_CARD_APPROVAL_PERCENT", 90),

		AppMaxAPIKey:        r.str("APPMAX_API_KEY", ""),
		AppMaxWebhookSecret: r.str("APPMAX_WEBHOOK_SECRET", ""),
		AppMaxSandbox:       r.bool("APPMAX_SANDBOX", true),

		StripeSecretKey:     r.str("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: r.str("STRIPE_WEBHOOK_SECRET", ""),

		ShippingFreeThreshold: r.money("SHIPPING_FREE_THRESHOLD", "100.00"),
		ShippingFlatFee:       r.money("SHIPPING_FLAT_FEE", "15.90"),
		OrderShippingMode:     r.str("ORDER_SHIPPING_MODE", ShippingFlat),
		ShippingCacheTTL:      r.duration("SHIPPING_CACHE_TTL", 30*time.Minute),

		OrderTxTimeout:    r.duration("ORDER_TX_TIMEOUT", 10*time.Second),
		PostCommitTimeout: r.duration("POST_COMMIT_TIMEOUT", 8*time.Second),

		TasksBackend:      r.str("TASKS_BACKEND", TasksLocal),
		TemporalHostPort:  r.str("TEMPORAL_HOSTPORT", "localhost:7233"),
		TemporalNamespace: r.str("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: r.str("TEMPORAL_TASK_QUEUE", "post-checkout"),

		CarrierWebhookURL: r.str("CARRIER_WEBHOOK_URL", ""),

		SMTPHost:     r.str("SMTP_HOST", ""),
		SMTPPort:     r.int("SMTP_PORT", 587),
		SMTPUser:     r.str("SMTP_USER", ""),
		SMTPPassword: r.str("SMTP_PASSWORD", ""),
		SMTPFrom:     r.str("SMTP_FROM", "no-reply@marketplace.local"),
	}

	defaultMode := PaymentsSimulator
	if cfg.IsProduction() {
		defaultMode = PaymentsLive
	}
	cfg.PaymentsMode = r.str("PAYMENTS_MODE", defaultMode)

	// sans passerelle par défaut en mode réel : pas de ligne éligible, pas de paiement
	defaultGateway := ""
	if cfg.PaymentsMode == PaymentsSimulator {
		defaultGateway = SimulatorGateway
	}
	cfg.DefaultGateway = r.str("DEFAULT_GATEWAY", defaultGateway)

	r.oneOf("PAYMENTS_MODE", cfg.PaymentsMode, PaymentsSimulator, PaymentsLive)
	r.oneOf("TASKS_BACKEND", cfg.TasksBackend, TasksLocal, TasksTemporal)
	r.oneOf("ORDER_SHIPPING_MODE", cfg.OrderShippingMode, ShippingFlat, ShippingCalculated)

	if cfg.SimulatorApprovalPct < 0 || cfg.SimulatorApprovalPct > 100 {
		r.fail("SIMULATOR_CARD_APPROVAL_PERCENT doit être entre 0 et 100")
	}
	if cfg.IsProduction() && cfg.PaymentsMode == PaymentsSimulator {
		r.fail("PAYMENTS_MODE=simulator interdit en production")
	}
	if cfg.PaymentsMode == PaymentsLive && cfg.DefaultGateway == SimulatorGateway {
		r.fail("DEFAULT_GATEWAY=simulator interdit avec PAYMENTS_MODE=live")
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return cfg, nil
}

type reader struct {
	get  func(string) string
	errs []error
}

func (r *reader) fail(format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf(format, args...))
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.get(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) list(key string) []string {
	var out []string
	for _, p := range strings.Split(r.get(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail("%s: entier invalide %q", key, v)
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail("%s: booléen invalide %q", key, v)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.fail("%s: durée invalide %q", key, v)
		return def
	}
	return d
}

func (r *reader) money(key, def string) money.Cents {
	v := r.str(key, def)
	c, err := money.Parse(v)
	if err != nil || c < 0 {
		r.fail("%s: montant invalide %q", key, v)
		return 0
	}
	return c
}

func (r *reader) oneOf(key, v string, allowed ...string) {
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	r.fail("%s: valeur %q non supportée (attendu: %s)", key, v, strings.Join(allowed, ", "))
}
