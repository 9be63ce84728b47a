package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/store"
)

var ErrNoGateway = errors.New("aucune passerelle de paiement éligible")

type Source interface {
	LoadGatewayConfigs(ctx context.Context) ([]models.GatewayConfigRow, error)
}

// StoreSource lit payment_gateways dans le stockage principal.
type StoreSource struct {
	Store store.Store
}

func (s StoreSource) LoadGatewayConfigs(ctx context.Context) ([]models.GatewayConfigRow, error) {
	var rows []models.GatewayConfigRow
	err := s.Store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		rows, err = q.ListGatewayConfigs(ctx)
		return err
	})
	return rows, err
}

// Registry garde les configurations validées en mémoire et les recharge
// lorsque RefreshInterval est écoulé.
type Registry struct {
	source          Source
	defaultName     string
	RefreshInterval time.Duration
	// RetryBackoff espace les relectures après un échec de chargement.
	RetryBackoff time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	configs  []Config
	loadedAt time.Time
	retryAt  time.Time
}

func NewRegistry(source Source, defaultName string, refresh time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		source:          source,
		defaultName:     defaultName,
		RefreshInterval: refresh,
		RetryBackoff:    10 * time.Second,
		log:             log,
		now:             time.Now,
	}
}

// Load recharge les configurations. Une ligne invalide est journalisée en
// erreur et exclue ; les autres restent utilisables.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.source.LoadGatewayConfigs(ctx)
	if err != nil {
		r.mu.Lock()
		r.retryAt = r.now().Add(r.RetryBackoff)
		r.mu.Unlock()
		return fmt.Errorf("chargement des passerelles: %w", err)
	}

	var configs []Config
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		cfg, repaired, err := Parse(row)
		if err != nil {
			r.log.Error("❌ configuration de passerelle invalide, passerelle ignorée",
				slog.String("gateway", row.Name), slog.Any("error", err))
			continue
		}
		if len(repaired) > 0 {
			r.log.Warn("⚠️ méthodes de paiement corrigées, à rectifier dans payment_gateways",
				slog.String("gateway", row.Name), slog.Any("repaired", repaired))
		}
		configs = append(configs, cfg)
	}
	sortByPriority(configs)

	r.mu.Lock()
	r.configs = configs
	r.loadedAt = r.now()
	r.retryAt = time.Time{}
	r.mu.Unlock()

	r.log.Info("passerelles chargées", slog.Int("active", len(configs)), slog.Int("rows", len(rows)))
	return nil
}

func (r *Registry) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.now().Before(r.retryAt) {
		return false
	}
	return r.loadedAt.IsZero() || (r.RefreshInterval > 0 && r.now().Sub(r.loadedAt) >= r.RefreshInterval)
}

// SelectGateway renvoie le nom de la passerelle ou ErrNoGateway.
func (r *Registry) SelectGateway(ctx context.Context, method models.PaymentMethod, total money.Cents) (string, error) {
	if r.stale() {
		if err := r.Load(ctx); err != nil {
			// on garde la dernière configuration connue
			r.log.Warn("rechargement des passerelles impossible", slog.Any("error", err))
		}
	}

	r.mu.RLock()
	configs := r.configs
	r.mu.RUnlock()

	name, ok := Select(configs, method, total, r.defaultName)
	if !ok {
		return "", ErrNoGateway
	}
	return name, nil
}

func (r *Registry) Configs() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Config(nil), r.configs...)
}
