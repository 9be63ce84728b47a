// Package database ouvre les connexions vers les backends du service.
// Rien n'est global : main assemble les clients et les injecte.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gocql/gocql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"marketplace_checkout/internal/config"
)

// Clients regroupe les connexions ouvertes. Scylla, Elastic et MinIO sont
// optionnels : nil quand non configurés.
type Clients struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Scylla   *gocql.Session
	Elastic  *elasticsearch.Client
	MinIO    *minio.Client
}

func (c *Clients) Close(log *slog.Logger) {
	if c.Scylla != nil {
		c.Scylla.Close()
		log.Info("🔌 Session ScyllaDB fermée")
	}
	if c.Redis != nil {
		c.Redis.Close()
	}
	if c.Postgres != nil {
		c.Postgres.Close()
	}
}

// Connect ouvre toutes les connexions configurées. Postgres et Redis sont
// obligatoires.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Clients, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c := &Clients{}
	var err error

	if c.Postgres, err = ConnectPostgres(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	log.Info("✅ Connecté à PostgreSQL")

	if c.Redis, err = ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		c.Close(log)
		return nil, err
	}
	log.Info("✅ Connecté à Redis")

	if len(cfg.ScyllaHosts) > 0 {
		if c.Scylla, err = ConnectScylla(ScyllaConfig{
			Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace,
			Username: cfg.ScyllaUser, Password: cfg.ScyllaPassword,
		}); err != nil {
			c.Close(log)
			return nil, err
		}
		log.Info("✅ Session ScyllaDB ouverte", slog.String("keyspace", cfg.ScyllaKeyspace))
	} else {
		log.Warn("⚠️ SCYLLA_HOSTS vide : audit des webhooks désactivé")
	}

	if cfg.ElasticURL != "" {
		if c.Elastic, err = ConnectElastic(cfg.ElasticURL, cfg.ElasticUser, cfg.ElasticPassword); err != nil {
			c.Close(log)
			return nil, err
		}
		log.Info("✅ Connecté à Elasticsearch")
	}

	if cfg.MinioEndpoint != "" {
		if c.MinIO, err = ConnectMinIO(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, log); err != nil {
			c.Close(log)
			return nil, err
		}
		log.Info("✅ Connecté à MinIO", slog.String("endpoint", cfg.MinioEndpoint))
	}

	return c, nil
}

func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL manquant")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("DATABASE_URL invalide: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connexion PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping PostgreSQL: %w", err)
	}
	return pool, nil
}

func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connexion Redis: %w", err)
	}
	return client, nil
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

func ConnectScylla(cfg ScyllaConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.NumConns = 20
	cluster.MaxWaitSchemaAgreement = 30 * time.Second
	cluster.ReconnectInterval = time.Second
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("session ScyllaDB %s: %w", cfg.Keyspace, err)
	}
	return session, nil
}

func ConnectElastic(url, user, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("client Elasticsearch: %w", err)
	}
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("connexion Elasticsearch: %w", err)
	}
	res.Body.Close()
	return client, nil
}

func ConnectMinIO(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, log *slog.Logger) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("client MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("vérification bucket MinIO: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("création bucket MinIO: %w", err)
		}
		log.Info("🪣 Bucket créé", slog.String("bucket", bucket))
	}
	return client, nil
}
