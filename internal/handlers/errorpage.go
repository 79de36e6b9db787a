package handlers

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
)

var errorPageTemplate = template.Must(template.New("error_page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorization error</title></head>
<body>
<h1>Authorization error</h1>
<p><strong>{{.Code}}</strong></p>
<p>{{.Description}}</p>
{{- if .ClientID}}
<p>Client: {{.ClientID}}</p>
{{- end}}
</body>
</html>
`))

// ErrorPageHandler renders protocol errors that must not be redirected to
// the client. Errors are read once; reloading the page loses the detail.
type ErrorPageHandler struct {
	errs   storage.ErrorStore
	logger *zap.Logger
}

// NewErrorPageHandler creates the error page handler.
func NewErrorPageHandler(errs storage.ErrorStore, logger *zap.Logger) *ErrorPageHandler {
	return &ErrorPageHandler{
		errs:   errs,
		logger: logger,
	}
}

// HandleErrorPage handles GET /connect/error
// @Summary     Show a stored authorization error
// @Description Renders the error referenced by error_id. Unknown or already consumed identifiers get a generic message.
// @Tags        oauth2
// @Produce     text/html
// @Param       error_id query string true "Stored error identifier"
// @Success     200 {string} string "HTML error page"
// @Router      /connect/error [get]
func (h *ErrorPageHandler) HandleErrorPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := struct {
		Code        string
		Description string
		ClientID    string
	}{
		Code:        "invalid_request",
		Description: "The authorization request could not be completed",
	}

	if id := r.URL.Query().Get("error_id"); id != "" {
		stored, err := h.errs.TakeError(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load stored error", zap.Error(err))
		} else if stored != nil {
			page.Code = stored.Code
			page.Description = stored.Description
			page.ClientID = stored.ClientID
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadRequest)
	if err := errorPageTemplate.Execute(w, page); err != nil {
		h.logger.Error("Failed to render error page", zap.Error(err))
	}
}
