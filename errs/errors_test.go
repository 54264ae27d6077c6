package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Invalid("plan_id", "is required"), http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("order 7: %w", ErrOrderNotFound), http.StatusNotFound},
		{"plan", ErrPlanNotFound, http.StatusNotFound},
		{"signature", ErrSignatureVerificationFailed, http.StatusBadRequest},
		{"processor", fmt.Errorf("refund: %w", ErrExternalProcessor), http.StatusBadGateway},
		{"conflict", ErrNotRefundable, http.StatusConflict},
		{"late payment", fmt.Errorf("order 3: %w", ErrPaidAfterCancel), http.StatusConflict},
		{"session", ErrSessionNotFound, http.StatusNotFound},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "Internal server error", Message(errors.New("dial tcp 10.0.0.3:3306: refused")))
	assert.Equal(t, "email: is required", Message(Invalid("email", "is required")))
	assert.Equal(t, ErrUserNotFound.Error(), Message(ErrUserNotFound))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("insert: %w", ErrDuplicateOrderNumber)))
	assert.False(t, IsRetryable(ErrPlanNotFound))
	assert.True(t, IsNotFound(ErrUserNotFound))
	assert.True(t, errors.Is(Invalid("x", "y"), ErrInvalidInput))
}
