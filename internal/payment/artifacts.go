package payment

import (
	"context"
	"encoding/base64"
)

// Artifacts publie un fichier généré (QR PIX) et renvoie une URL lisible
// par le client.
type Artifacts interface {
	Publish(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// InlineArtifacts renvoie une data URI, sans stockage externe.
type InlineArtifacts struct{}

func (InlineArtifacts) Publish(_ context.Context, _ string, contentType string, data []byte) (string, error) {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
