package httpserver

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"log/slog"

	"github.com/wisbric/graphgate/pkg/apierr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RenderError classifies err and writes it in the format the client asked
// for. Internal detail is only exposed for kinds marked safe, or in dev
// mode; everything else gets a generic message plus the request ID for
// log correlation.
func RenderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, devMode bool) {
	e := apierr.From(err)
	status := e.HTTPStatus()
	requestID := RequestIDFromContext(r.Context())

	message := e.Message
	if !e.Safe() && !devMode {
		message = genericMessage(status)
	}

	if status >= 500 {
		logger.Error("request failed",
			"error", err, "code", e.Code(), "status", status, "request_id", requestID)
	} else {
		logger.Warn("request rejected",
			"error", err, "code", e.Code(), "status", status, "request_id", requestID)
	}

	if wantsHTML(r) {
		renderHTMLError(w, status, e.Code(), message, requestID)
		return
	}

	Respond(w, status, ErrorResponse{
		Error:     e.Code(),
		Message:   message,
		RequestID: requestID,
	})
}

func genericMessage(status int) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return "upstream unavailable"
	case status == http.StatusGatewayTimeout:
		return "upstream timed out"
	case status >= 500:
		return "internal error"
	default:
		return http.StatusText(status)
	}
}

// wantsHTML is true when the client prefers text/html over JSON, as a
// browser hitting a dead tenant domain does.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	htmlIdx := strings.Index(accept, "text/html")
	jsonIdx := strings.Index(accept, "application/json")
	if htmlIdx < 0 {
		return false
	}
	return jsonIdx < 0 || htmlIdx < jsonIdx
}

func renderHTMLError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>%d %s</title></head>
<body>
<h1>%d %s</h1>
<p>%s</p>
<p><small>request id: %s</small></p>
</body>
</html>
`, status, html.EscapeString(code), status, html.EscapeString(code),
		html.EscapeString(message), html.EscapeString(requestID))
}
