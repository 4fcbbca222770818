package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// apiError is a service error translated for the wire.
type apiError struct {
	status  int
	code    response.ErrCode
	details map[string]any
}

// classify translates a service error. ok is false for errors that are not a
// known rejection; those are transient faults the client may retry.
func classify(err error) (apiError, bool) {
	var perr *service.ProctorError
	if errors.As(err, &perr) {
		switch perr.Code {
		case service.CodeNotFound:
			return apiError{status: http.StatusNotFound, code: response.ErrNotFound}, true
		case service.CodeOutsideWindow:
			details := map[string]any{}
			if perr.WindowStart != nil {
				details["window_start"] = *perr.WindowStart
			}
			if perr.WindowEnd != nil {
				details["window_end"] = *perr.WindowEnd
			}
			return apiError{status: http.StatusForbidden, code: response.ErrOutsideWindow, details: details}, true
		case service.CodeAlreadyAttempted:
			return apiError{status: http.StatusConflict, code: response.ErrAlreadyAttempted}, true
		case service.CodeSessionTerminated:
			e := apiError{status: http.StatusConflict, code: response.ErrSessionTerminated}
			if perr.Reason != "" {
				e.details = map[string]any{"reason": perr.Reason}
			}
			return e, true
		case service.CodeSessionCompleted:
			return apiError{status: http.StatusConflict, code: response.ErrSessionCompleted}, true
		case service.CodeAlreadySubmitted:
			e := apiError{status: http.StatusConflict, code: response.ErrAlreadySubmitted}
			if perr.Result != nil {
				e.details = map[string]any{"result": perr.Result}
			}
			return e, true
		}
		return apiError{}, false
	}

	if errors.Is(err, service.ErrUnknownCategory) {
		return apiError{status: http.StatusBadRequest, code: response.ErrUnknownCategory}, true
	}
	return apiError{}, false
}

// failService writes the envelope for an error returned by the service layer.
func failService(c *gin.Context, log zerolog.Logger, err error) {
	e, ok := classify(err)
	if !ok {
		failInternal(c, log, err)
		return
	}
	if e.details == nil {
		response.Fail(c, e.status, e.code)
		return
	}
	response.FailWithDetails(c, e.status, e.code, e.details)
}

func failInternal(c *gin.Context, log zerolog.Logger, err error) {
	log.Error().Err(err).
		Str("route", c.FullPath()).
		Str("request_id", c.GetString(response.ContextKeyRequestID)).
		Msg("Request failed")
	response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
}
