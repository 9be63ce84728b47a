package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
)

// MinioArtifacts publie les fichiers générés au paiement (QR PIX) dans un
// bucket et renvoie une URL signée.
type MinioArtifacts struct {
	client *minio.Client
	bucket string
	URLTTL time.Duration
	log    *slog.Logger
}

func NewMinioArtifacts(client *minio.Client, bucket string, log *slog.Logger) *MinioArtifacts {
	return &MinioArtifacts{client: client, bucket: bucket, URLTTL: 24 * time.Hour, log: log}
}

func (m *MinioArtifacts) Publish(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if m.client == nil {
		return "", fmt.Errorf("MinIO non initialisé")
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return m.SignedURL(ctx, key)
}

// SignedURL génère une URL de lecture temporaire.
func (m *MinioArtifacts) SignedURL(ctx context.Context, key string) (string, error) {
	presigned, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.URLTTL, make(url.Values))
	if err != nil {
		return "", err
	}
	m.log.Debug("🪣 artefact publié", slog.String("bucket", m.bucket), slog.String("key", key))
	return presigned.String(), nil
}
