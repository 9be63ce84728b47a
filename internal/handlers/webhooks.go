package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace_checkout/internal/apperr"
)

const maxWebhookBody = 1 << 20

// Webhook transmet le corps brut au réconciliateur : la signature porte sur
// les octets exacts reçus.
func (h *Handler) Webhook(c *gin.Context) {
	gw := c.Param("gateway")
	v, ok := h.webhooks.Verifier(gw)
	if !ok {
		respondError(c, h.log, apperr.NotFound("unknown_gateway", "Passerelle inconnue"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respondError(c, h.log, apperr.Wrap(apperr.KindValidation, "invalid_payload", "Corps illisible", err))
		return
	}
	if len(body) > maxWebhookBody {
		respondError(c, h.log, apperr.Validation("payload_too_large", "Corps trop volumineux"))
		return
	}

	ack, err := h.webhooks.HandleWebhook(c.Request.Context(), gw, body, c.GetHeader(v.SignatureHeader()))
	if err != nil {
		if apperr.HTTPStatus(err) < http.StatusInternalServerError {
			h.log.Warn("⚠️ webhook refusé", slog.String("gateway", gw), slog.Any("error", err))
		}
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
