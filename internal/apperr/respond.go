package apperr

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/logging"
)

// Respond writes err as a JSON error body and aborts the request.
// Internal and settlement errors are logged and their text hidden.
func Respond(c *gin.Context, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = &Error{Kind: KindInternal, Code: "internal_error", Message: err.Error(), Err: err}
	}

	logger := logging.L(c.Request.Context())
	body := gin.H{"error": ae.Code}

	switch ae.Kind {
	case KindInconsistentSettlement:
		logger.Error("CRITICAL: inconsistent settlement", "path", c.FullPath(), "error", err)
		body["message"] = "Settlement state is inconsistent and has been flagged for review"
	case KindInternal:
		logger.Error("internal error", "path", c.FullPath(), "error", err)
		body["error"] = "internal_error"
		body["message"] = "An unexpected error occurred"
	case KindUpstreamGateway:
		logger.Warn("upstream failure", "path", c.FullPath(), "error", err)
		body["message"] = ae.Message
		body["retryable"] = true
	default:
		body["message"] = err.Error()
	}
	if ae.Details != nil {
		body["details"] = ae.Details
	}

	c.AbortWithStatusJSON(ae.Kind.HTTPStatus(), body)
}
