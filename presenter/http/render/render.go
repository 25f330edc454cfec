package render

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omni/tokenbridge-relayer/logging"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, res interface{}) {
	enc := json.NewEncoder(w)

	if pretty, _ := strconv.ParseBool(r.URL.Query().Get("pretty")); pretty {
		enc.SetIndent("", "  ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := enc.Encode(res); err != nil {
		logging.LoggerFromContext(r.Context()).WithError(err).Error("failed to marshal JSON result")
	}
}

// Error writes err as a JSON error body. Server side failures are logged as
// errors, client mistakes as warnings.
func Error(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := logging.LoggerFromContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("request handling failed")
	} else {
		logger.Warn("request rejected")
	}
	JSON(w, r, status, ErrorResponse{Error: err.Error()})
}
