package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/admission"
	"github.com/sells-group/inference-gateway/internal/classifier"
	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/gateway"
	"github.com/sells-group/inference-gateway/internal/identity"
	"github.com/sells-group/inference-gateway/internal/scheduler"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps pipeline errors to HTTP status codes. Unknown errors
// are internal.
func statusFor(err error) int {
	var rlErr *admission.RateLimitError
	var provErr *executor.ProviderError

	switch {
	case errors.Is(err, identity.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, identity.ErrProcessDisabled),
		errors.Is(err, gateway.ErrModelNotPermitted),
		errors.Is(err, gateway.ErrNoEligibleModel),
		errors.Is(err, classifier.ErrNoModelsPermitted):
		return http.StatusForbidden
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests
	case errors.Is(err, admission.ErrNoCapacity),
		errors.Is(err, scheduler.ErrNoHealthyProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the JSON error response, adding a Retry-After hint on
// rate-limit and capacity rejections.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var rlErr *admission.RateLimitError
	if errors.As(err, &rlErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rlErr.RetryAfter)))
	} else if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}

	writeJSON(w, status, errorBody{Error: err.Error()})
}

// retryAfterSeconds rounds up so a nonzero wait never becomes zero.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}
