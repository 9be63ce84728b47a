package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad", "x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Business("insufficient_stock", "x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("in_flight", "x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Authentication("sig", "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Config("no secret", nil)))
}

func TestDeadlineAlwaysMapsToTimeout(t *testing.T) {
	err := fmt.Errorf("insert order: %w", context.DeadlineExceeded)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Internal(err)))

	code, msg := Public(err)
	assert.Equal(t, "dependency_timeout", code)
	assert.NotEmpty(t, msg)
}

func TestPublicHidesInternals(t *testing.T) {
	code, msg := Public(Internal(errors.New("pq: relation orders does not exist")))
	assert.Equal(t, "internal_error", code)
	assert.NotContains(t, msg, "relation")

	code, msg = Public(fmt.Errorf("wrap: %w", Business("coupon_expired", "Coupon expiré")))
	assert.Equal(t, "coupon_expired", code)
	assert.Equal(t, "Coupon expiré", msg)
}
