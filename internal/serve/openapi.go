package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/agentmail-dev/agentmail/internal/dispatch"
)

// OpenAPISpec represents an OpenAPI 3.1 specification.
type OpenAPISpec struct {
	OpenAPI    string              `json:"openapi"`
	Info       OpenAPIInfo         `json:"info"`
	Servers    []OpenAPIServer     `json:"servers,omitempty"`
	Paths      map[string]PathItem `json:"paths"`
	Components *OpenAPIComponents  `json:"components,omitempty"`
	Tags       []OpenAPITag        `json:"tags,omitempty"`
}

// OpenAPIInfo contains API metadata.
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// OpenAPIServer describes an API server.
type OpenAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// OpenAPITag categorizes operations.
type OpenAPITag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PathItem contains operations for a path.
type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Patch  *Operation `json:"patch,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
}

// Operation describes a single API operation.
type Operation struct {
	Tags        []string              `json:"tags,omitempty"`
	Summary     string                `json:"summary,omitempty"`
	OperationID string                `json:"operationId,omitempty"`
	RequestBody *RequestBody          `json:"requestBody,omitempty"`
	Responses   map[string]Response   `json:"responses"`
	Security    []map[string][]string `json:"security,omitempty"`
}

// RequestBody describes a request body.
type RequestBody struct {
	Required bool                 `json:"required,omitempty"`
	Content  map[string]MediaType `json:"content"`
}

// Response describes an operation response.
type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType describes media type content.
type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

// Schema describes a JSON Schema, carried through near-verbatim from a
// dispatch.Tool's Schema map.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	AdditionalProperties any                `json:"additionalProperties,omitempty"`
}

// OpenAPIComponents holds reusable components.
type OpenAPIComponents struct {
	Schemas         map[string]*Schema         `json:"schemas,omitempty"`
	SecuritySchemes map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
}

// SecurityScheme describes an authentication scheme.
type SecurityScheme struct {
	Type         string `json:"type"`
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearerFormat,omitempty"`
	Description  string `json:"description,omitempty"`
}

// GenerateOpenAPISpec builds an OpenAPI 3.1 document from the live tool
// route table and dispatch catalog, so the spec never drifts from what
// /api actually serves.
func GenerateOpenAPISpec(version, serverURL string, worktreesEnabled bool) *OpenAPISpec {
	catalog := map[string]dispatch.Tool{}
	for _, t := range dispatch.Enabled(worktreesEnabled) {
		catalog[t.Name] = t
	}

	spec := &OpenAPISpec{
		OpenAPI: "3.1.0",
		Info: OpenAPIInfo{
			Title:       "agentmail API",
			Version:     version,
			Description: "REST surface over the agentmail tool-dispatch catalog: reservations, threaded messaging, contacts, and build slots for swarms of cooperating agents.",
		},
		Servers: []OpenAPIServer{{URL: serverURL}},
		Paths:   make(map[string]PathItem),
		Components: &OpenAPIComponents{
			Schemas: map[string]*Schema{
				"SuccessResponse": {Type: "object", Properties: map[string]*Schema{
					"success":   {Type: "boolean"},
					"timestamp": {Type: "string"},
				}, Required: []string{"success"}},
				"ErrorResponse": {Type: "object", Properties: map[string]*Schema{
					"success":   {Type: "boolean"},
					"error":     {Type: "string"},
					"error_code": {Type: "string"},
				}, Required: []string{"success", "error"}},
			},
			SecuritySchemes: map[string]*SecurityScheme{
				"bearerAuth": {Type: "http", Scheme: "bearer", Description: "Static bearer token (AUTH_MODE=bearer) or RS256 JWT (AUTH_MODE=jwt)"},
			},
		},
	}

	tagSet := map[string]bool{}
	for _, rt := range toolRoutes {
		tool, ok := catalog[rt.tool]
		if !ok {
			continue
		}
		op := &Operation{
			Summary:     tool.Description,
			OperationID: tool.Name,
			Security:    []map[string][]string{{"bearerAuth": {}}},
			Responses: map[string]Response{
				"200": {Description: "Successful operation", Content: map[string]MediaType{
					"application/json": {Schema: &Schema{Ref: "#/components/schemas/SuccessResponse"}},
				}},
				"400": {Description: "Validation failure", Content: map[string]MediaType{
					"application/json": {Schema: &Schema{Ref: "#/components/schemas/ErrorResponse"}},
				}},
				"403": {Description: "Permission denied", Content: map[string]MediaType{
					"application/json": {Schema: &Schema{Ref: "#/components/schemas/ErrorResponse"}},
				}},
				"429": {Description: "Rate limited", Content: map[string]MediaType{
					"application/json": {Schema: &Schema{Ref: "#/components/schemas/ErrorResponse"}},
				}},
			},
		}
		if cat := string(tool.Category); cat != "" {
			op.Tags = []string{cat}
			tagSet[cat] = true
		}
		if rt.method == http.MethodPost && tool.Schema != nil {
			op.RequestBody = &RequestBody{
				Required: true,
				Content: map[string]MediaType{
					"application/json": {Schema: schemaFromMap(tool.Schema)},
				},
			}
		}

		path := "/api" + rt.path
		pathItem := spec.Paths[path]
		switch rt.method {
		case http.MethodGet:
			pathItem.Get = op
		case http.MethodPost:
			pathItem.Post = op
		}
		spec.Paths[path] = pathItem
	}

	var tags []string
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		spec.Tags = append(spec.Tags, OpenAPITag{Name: tag, Description: fmt.Sprintf("%s tools", tag)})
	}

	return spec
}

// schemaFromMap converts a dispatch.Tool's loosely-typed JSON Schema map
// into the typed Schema used for OpenAPI rendering. Unrecognized shapes
// fall back to a permissive object, since the source is hand-authored
// per-tool JSON rather than a generated schema.
func schemaFromMap(raw map[string]any) *Schema {
	s := &Schema{}
	if t, ok := raw["type"].(string); ok {
		s.Type = t
	}
	if desc, ok := raw["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*Schema, len(props))
		for name, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if req, ok := raw["required"].([]string); ok {
		s.Required = req
	} else if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if s.Type == "" {
		s.Type = "object"
		s.AdditionalProperties = true
	}
	return s
}

// handleOpenAPISpec serves the OpenAPI JSON specification.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s:%d", scheme, s.host, s.port)
	spec := GenerateOpenAPISpec("dev", serverURL, s.services.WorktreesEnabled)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(spec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleSwaggerUI serves a Swagger UI page against /api/v1/openapi.json.
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	specURL := fmt.Sprintf("%s://%s:%d/api/v1/openapi.json", scheme, s.host, s.port)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>agentmail API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
    <style>body { margin: 0; background: #fafafa; } .topbar { display: none; }</style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({ url: %q, dom_id: '#swagger-ui', deepLinking: true });
        };
    </script>
</body>
</html>`, specURL)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
