package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
)

// respondError traduit une erreur applicative en {"error", "code"}. Les
// erreurs internes sont journalisées avec leur cause et masquées au client.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	code, msg := apperr.Public(err)
	if status >= http.StatusInternalServerError {
		log.Error("❌ erreur serveur",
			slog.String("path", c.FullPath()),
			slog.String("request_id", c.GetString("request_id")),
			slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// bindError : une erreur de décodage ou de validation gin devient une 400.
func bindError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperr.Wrap(apperr.KindValidation, "invalid_payload", "Données invalides", err)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid_id", "Identifiant invalide")
	}
	return id, nil
}
