package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"hostelpro/internal/auth"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
)

// ErrorHandler renders errors as problem details and logs them
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates an error handler. includeStack adds stack traces to
// panic responses and should only be set in development.
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts err to a problem, logs it and writes the response
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", reqID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	problem.Write(w)
}

// ErrorToProblem maps err to problem details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	path := r.URL.Path

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, path)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return NewProblemDetails(http.StatusBadRequest, TypeValidation, "Validation Failed",
			"One or more fields are invalid", path).
			WithExtension("errors", fieldErrors(verrs))
	}

	var locked *auth.LockedError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", path)

	case errors.Is(err, license.ErrNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeLicenseNotFound, "License Not Found",
			"No license exists with this key", path).
			WithExtension("error_code", license.ErrCodeNotFound)

	case errors.Is(err, license.ErrNoActiveLicense):
		return NewProblemDetails(http.StatusNotFound, TypeNoActiveLicense, "No Active License",
			"This machine has no active license", path).
			WithExtension("error_code", license.ErrCodeNoActiveLicense)

	case errors.Is(err, license.ErrKeyCollision):
		return NewProblemDetails(http.StatusConflict, TypeKeyCollision, "License Key Collision",
			"Could not allocate a unique license key, try again", path).
			WithExtension("error_code", license.ErrCodeKeyCollision)

	case errors.Is(err, license.ErrInvalidTransition):
		return NewProblemDetails(http.StatusConflict, TypeInvalidTransition, "Invalid Status Change",
			err.Error(), path).
			WithExtension("error_code", license.ErrCodeInvalidTransition)

	case errors.Is(err, license.ErrInvalidRequest):
		return NewProblemDetails(http.StatusBadRequest, TypeValidation, "Invalid License Request",
			err.Error(), path).
			WithExtension("error_code", license.ErrCodeInvalidRequest)

	case errors.Is(err, machineid.ErrIdentityUnavailable):
		return NewProblemDetails(http.StatusInternalServerError, TypeIdentityUnavailable, "Machine Identity Unavailable",
			"The machine identity could not be determined, activation cannot proceed", path).
			WithExtension("error_code", license.ErrCodeIdentity)

	case errors.Is(err, auth.ErrAdminExists):
		return NewProblemDetails(http.StatusConflict, TypeAdminExists, "Admin Account Exists",
			"An admin account has already been set up", path)

	case errors.Is(err, auth.ErrInvalidCredentials):
		return NewProblemDetails(http.StatusUnauthorized, TypeInvalidCredentials, "Invalid Credentials",
			"Invalid username or password", path)

	case errors.Is(err, auth.ErrAccountLocked):
		problem := NewProblemDetails(http.StatusTooManyRequests, TypeAccountLocked, "Account Locked",
			"Too many failed login attempts, try again later", path)
		if errors.As(err, &locked) {
			retry := int(locked.Until.Sub(timeNow()).Seconds())
			if retry < 1 {
				retry = 1
			}
			problem.WithExtension("locked_until", locked.Until).WithExtension("retry_after", retry)
		}
		return problem

	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidUsername):
		return NewProblemDetails(http.StatusBadRequest, TypeValidation, "Validation Failed",
			err.Error(), path)

	case errors.Is(err, auth.ErrNoSession):
		return NewProblemDetails(http.StatusUnauthorized, TypeUnauthorized, "Unauthorized",
			"Authentication required to access this resource", path)

	default:
		return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
			"An unexpected error occurred while processing your request", path)
	}
}

func apiErrorToProblem(apiErr *APIError, path string) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "INVALID_REQUEST", "VALIDATION_FAILED":
		problemType = TypeValidation
	case "UNAUTHORIZED":
		problemType = TypeUnauthorized
	case "FORBIDDEN":
		problemType = TypeForbidden
	case "ISSUANCE_DISABLED":
		problemType = TypeIssuanceDisabled
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "SERVICE_UNAVAILABLE":
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(apiErr.StatusCode, problemType, http.StatusText(apiErr.StatusCode),
		apiErr.Message, path).
		WithExtension("error_code", apiErr.ErrorCode)
	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

func fieldErrors(verrs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "max":
			msg = fmt.Sprintf("must be at most %s characters", fe.Param())
		case "min":
			msg = fmt.Sprintf("must be at least %s characters", fe.Param())
		case "licensekey":
			msg = "is not a valid license key"
		}
		out = append(out, ValidationError{Field: strings.ToLower(fe.Field()), Message: msg})
	}
	return out
}

// HandlePanic logs a recovered panic and writes a 500 problem
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())
	stack := string(debug.Stack())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", stack))

	problem := NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
		"An unexpected error occurred", r.URL.Path).
		WithExtension("trace_id", reqID)
	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", stack)
	}
	problem.Write(w)
}

// NotFound is the router's 404 handler
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found",
		"The requested resource was not found", r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context())).
		Write(w)
}

// MethodNotAllowed is the router's 405 handler
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	NewProblemDetails(http.StatusMethodNotAllowed, TypeMethod, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method), r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context())).
		Write(w)
}

// Recoverer turns panics into problem responses
func (h *ErrorHandler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.HandlePanic(w, r, rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
