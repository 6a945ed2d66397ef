package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeys/internal/keys"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit"
	"github.com/vyrodovalexey/avakeys/internal/rbac"
)

// Error codes of the envelope.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
)

const (
	docsPath = "/docs/errors#"

	// retryAfterSeconds is sent with 503 answers.
	retryAfterSeconds = 1
)

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Docs    string `json:"docs"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{
		Code:    code,
		Message: message,
		Docs:    docsPath + code,
	}})
}

// writeError maps err to a status and an envelope. Unclassified errors are
// logged and answered with 500.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		schema      *keys.SchemaError
		rbacSchema  *rbac.SchemaError
		unknown     *keys.UnknownRatelimitError
		disabled    *keys.DisabledWorkspaceError
		fetch       *keys.FetchError
		internal    *keys.InternalError
		tooLarge    *http.MaxBytesError
		requestErr  *requestError
		unavailable = errors.Is(err, ratelimit.ErrUnavailable)
	)

	switch {
	case errors.As(err, &tooLarge):
		abortWithError(c, http.StatusRequestEntityTooLarge, CodeTooLarge, err.Error())
	case errors.As(err, &requestErr),
		errors.As(err, &schema),
		errors.As(err, &rbacSchema),
		errors.As(err, &unknown),
		errors.Is(err, ratelimit.ErrInvalidRequest):
		abortWithError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.As(err, &disabled):
		abortWithError(c, http.StatusForbidden, CodeForbidden, disabled.Error())
	case errors.As(err, &fetch), unavailable:
		logger.Warn("dependency unavailable",
			zap.String("requestID", requestID(c)),
			zap.Error(err),
		)
		abortWithError(c, http.StatusServiceUnavailable, CodeUnavailable,
			"a dependency is temporarily unavailable, retry the request")
	case errors.As(err, &internal):
		// already logged with its stack by the service
		abortWithError(c, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
	default:
		logger.Error("request failed",
			zap.String("requestID", requestID(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		abortWithError(c, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
	}
}

// requestError is a malformed request body.
type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *requestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}
