package httpapi

import (
	"fmt"
	"net/http"

	"github.com/Cypherspark/chat-gateway/api"
	"github.com/go-chi/chi/v5"
)

const redocPage = `<!doctype html>
<html>
<head>
<title>%s</title>
<meta charset="utf-8"/>
<script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</head>
<body><redoc spec-url="%s"></redoc></body>
</html>`

// mountDocs serves the embedded OpenAPI document and a Redoc page over it.
func (s *Server) mountDocs(r chi.Router) {
	r.Handle("/openapi.yaml", http.FileServerFS(api.FS))
	page := fmt.Sprintf(redocPage, "Chat Gateway API", "/openapi.yaml")
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, page)
	})
}
