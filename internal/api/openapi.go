package api

import (
	"net/http"
	"sort"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

type route struct {
	method, path, summary, scope string
	session                      bool
	responses                    []string
}

var routes = []route{
	{"post", "/sessions", "Start a session", "", false, []string{"201"}},
	{"post", "/data", "Submit extraction jobs, one per descriptor", "jobs:rw", true, []string{"201", "400"}},
	{"get", "/jobs", "List the session's jobs", "jobs:ro", true, []string{"200"}},
	{"get", "/jobs/{jobID}", "Poll a job; ?wait=1 blocks until it finishes", "jobs:ro", true, []string{"200", "404"}},
	{"delete", "/jobs/{jobID}", "Cancel a job", "jobs:rw", true, []string{"200", "404"}},
	{"post", "/analytics", "Submit an analysis job", "jobs:rw", true, []string{"201", "400"}},
	{"post", "/state", "Save a shareable state", "state:rw", true, []string{"201", "400"}},
	{"post", "/state/{stateID}", "Request access to a saved state", "state:rw", true, []string{"202", "404"}},
	{"get", "/state/{stateID}", "Read a saved state", "state:ro", true, []string{"200", "202", "403", "404"}},
	{"get", "/plugins", "List data source plugins", "plugins:ro", false, []string{"200"}},
	{"get", "/events", "Job lifecycle event stream (SSE)", "events:ro", false, []string{"200"}},
}

var statusText = map[string]string{
	"200": "OK",
	"201": "Created",
	"202": "Accepted, still pending",
	"400": "Bad request",
	"403": "Forbidden",
	"404": "Not found",
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document of the API. The data
// handlers served by the loaded plugins are listed under x-handlers.
func buildOpenAPIDoc(infos []plugin.Info) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		security := []any{map[string]any{"BearerAuth": []string{}}}
		if rt.session {
			security = []any{map[string]any{"BearerAuth": []string{}, "SessionToken": []string{}}}
		}
		responses := map[string]any{
			"401": map[string]any{"description": "Unauthorized"},
		}
		for _, code := range rt.responses {
			responses[code] = map[string]any{"description": statusText[code]}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
			"security":  security,
		}
		if rt.scope != "" {
			op["x-scope"] = rt.scope
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	handlers := map[string][]string{}
	for _, info := range infos {
		for _, c := range info.Capabilities {
			handlers[c.Handler] = append(handlers[c.Handler], info.Name)
		}
	}
	for _, names := range handlers {
		sort.Strings(names)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "sharegate",
			"version": "1.0",
		},
		"paths":      paths,
		"x-handlers": handlers,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
				"SessionToken": map[string]any{
					"type": "apiKey",
					"in":   "header",
					"name": "X-Session-Token",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.plugins.Describe()))
}
