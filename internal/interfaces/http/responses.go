package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
	"github.com/chessmirror/chessmirror/internal/scheduler"
)

// errorResponse is the uniform error body. Quota denials additionally
// carry the full decision so clients can back off intelligently.
type errorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Tag     models.ErrorTag     `json:"tag,omitempty"`
	Quota   *ratelimit.Decision `json:"quota,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response body")
	}
}

// writeError maps the taxonomy tag onto a status code. Internal detail
// stays in the logs; the body carries the tag and a safe message.
func writeError(w http.ResponseWriter, err error) {
	var denied *scheduler.QuotaDeniedError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: denied.Error(),
			Tag:   models.TagRateLimit,
			Quota: &denied.Decision,
		})
		return
	}

	tag := models.TagOf(err)
	writeJSON(w, statusForTag(tag), errorResponse{Error: err.Error(), Tag: tag})
}

func statusForTag(tag models.ErrorTag) int {
	switch tag {
	case models.TagValidation, models.TagParseError:
		return http.StatusBadRequest
	case models.TagNotFound:
		return http.StatusNotFound
	case models.TagRateLimit, models.TagImportInProgress, models.TagQueueFull:
		return http.StatusTooManyRequests
	case models.TagEngineUnavailable, models.TagEngineCrash:
		return http.StatusServiceUnavailable
	case models.TagTimeout:
		return http.StatusGatewayTimeout
	case models.TagNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
