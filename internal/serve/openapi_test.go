package serve

import (
	"encoding/json"
	"testing"
)

func TestGenerateOpenAPISpec(t *testing.T) {
	spec := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", false)

	if spec.OpenAPI != "3.1.0" {
		t.Errorf("OpenAPI version = %q, want %q", spec.OpenAPI, "3.1.0")
	}
	if spec.Info.Version != "1.0.0" {
		t.Errorf("Info.Version = %q, want %q", spec.Info.Version, "1.0.0")
	}
	if len(spec.Servers) == 0 || spec.Servers[0].URL != "http://localhost:8080" {
		t.Errorf("unexpected Servers: %+v", spec.Servers)
	}
	if spec.Components == nil || spec.Components.Schemas == nil {
		t.Fatal("expected Components.Schemas to be non-nil")
	}
	if _, ok := spec.Components.Schemas["SuccessResponse"]; !ok {
		t.Error("expected SuccessResponse schema")
	}
	if _, ok := spec.Components.Schemas["ErrorResponse"]; !ok {
		t.Error("expected ErrorResponse schema")
	}
}

func TestGenerateOpenAPISpecJSON(t *testing.T) {
	spec := GenerateOpenAPISpec("dev", "http://localhost:8080", false)

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("failed to marshal spec: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal spec: %v", err)
	}
	if parsed["openapi"] != "3.1.0" {
		t.Errorf("parsed openapi = %v, want %q", parsed["openapi"], "3.1.0")
	}
}

func TestOpenAPISpecHasRequiredFields(t *testing.T) {
	spec := GenerateOpenAPISpec("1.0.0", "http://test:8080", true)

	if spec.OpenAPI == "" {
		t.Error("OpenAPI field is required")
	}
	if spec.Info.Title == "" {
		t.Error("Info.Title is required")
	}
	if spec.Paths == nil || len(spec.Paths) == 0 {
		t.Error("expected at least one path")
	}
	for i := 1; i < len(spec.Tags); i++ {
		if spec.Tags[i-1].Name > spec.Tags[i].Name {
			t.Errorf("Tags not sorted: %s > %s", spec.Tags[i-1].Name, spec.Tags[i].Name)
		}
	}
	for path, item := range spec.Paths {
		ops := []*Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete}
		for _, op := range ops {
			if op == nil {
				continue
			}
			if _, ok := op.Responses["200"]; !ok {
				t.Errorf("operation at %s missing 200 response", path)
			}
		}
	}
}

func TestSecuritySchemes(t *testing.T) {
	spec := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", false)

	bearer, ok := spec.Components.SecuritySchemes["bearerAuth"]
	if !ok {
		t.Fatal("expected bearerAuth security scheme")
	}
	if bearer.Type != "http" || bearer.Scheme != "bearer" {
		t.Errorf("unexpected bearerAuth scheme: %+v", bearer)
	}
}

func TestPathItemsHaveAtLeastOneOperation(t *testing.T) {
	spec := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", true)

	for path, item := range spec.Paths {
		count := 0
		for _, op := range []*Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				count++
			}
		}
		if count == 0 {
			t.Errorf("path %s has no operations", path)
		}
	}
}

func TestOperationIDsAreUnique(t *testing.T) {
	spec := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", true)

	ids := map[string]string{}
	for path, item := range spec.Paths {
		ops := map[string]*Operation{"GET": item.Get, "POST": item.Post}
		for method, op := range ops {
			if op == nil {
				continue
			}
			if op.OperationID == "" {
				t.Errorf("%s %s has no operationId", method, path)
				continue
			}
			if existing, ok := ids[op.OperationID]; ok {
				t.Errorf("duplicate operationId %q: %s and %s %s", op.OperationID, existing, method, path)
			}
			ids[op.OperationID] = method + " " + path
		}
	}
}

func TestWorktreeToolsOnlyAppearWhenEnabled(t *testing.T) {
	without := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", false)
	with := GenerateOpenAPISpec("1.0.0", "http://localhost:8080", true)

	if _, ok := without.Paths["/api/build_slots/acquire"]; ok {
		t.Error("expected build_slots routes absent when worktrees disabled")
	}
	if _, ok := with.Paths["/api/build_slots/acquire"]; !ok {
		t.Error("expected build_slots routes present when worktrees enabled")
	}
}
