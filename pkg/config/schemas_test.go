package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("site", `{
	name:  string
	racks: int & >0
}`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("site")
	if !ok {
		t.Fatal("expected to find site schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]interface{}{"name": "lab", "racks": 2}); err != nil {
		t.Errorf("expected valid data, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "site", map[string]interface{}{"name": "lab", "racks": 0}); err == nil {
		t.Error("expected racks: 0 to be rejected")
	}
}

func TestSchemaRegistry_RegisterInvalid(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", `{ field: }`); err == nil {
		t.Fatal("expected compile error")
	}
	if _, ok := sr.GetSchema("broken"); ok {
		t.Error("broken schema must not be registered")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for name := range builtinDefinitions {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if !schema.Exists() {
				t.Fatalf("built-in schema %s does not exist", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateBuiltIns(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		schema  string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name:   "deployment",
			schema: SchemaDeployment,
			data:   map[string]interface{}{"id": "6f1c1cf4-4bd2-4a4d-9a4b-2d3e9e0b5a11"},
		},
		{
			name:    "deployment with bad id",
			schema:  SchemaDeployment,
			data:    map[string]interface{}{"id": "not-a-uuid"},
			wantErr: true,
		},
		{
			name:   "ethernet interface",
			schema: SchemaNetworkInterface,
			data: map[string]interface{}{
				"id":   "0b2f87e4-1d5e-4a8e-8a43-cf0f3b0a2c01",
				"name": "eth0",
			},
		},
		{
			name:   "interface name too long",
			schema: SchemaNetworkInterface,
			data: map[string]interface{}{
				"id":   "0b2f87e4-1d5e-4a8e-8a43-cf0f3b0a2c01",
				"name": "a-very-long-interface-name",
			},
			wantErr: true,
		},
		{
			name:   "can interface without timing",
			schema: SchemaNetworkInterface,
			data: map[string]interface{}{
				"id":            "0b2f87e4-1d5e-4a8e-8a43-cf0f3b0a2c01",
				"name":          "can0",
				"configuration": map[string]interface{}{"type": "can"},
			},
			wantErr: true,
		},
		{
			name:   "container executor",
			schema: SchemaExecutor,
			data: map[string]interface{}{
				"id": "a9c5d0a2-66f3-4c8b-9a8d-5c0f6d3e2b10",
				"kind": map[string]interface{}{
					"type":      "container",
					"container": map[string]interface{}{"image": "testenv:latest"},
				},
			},
		},
		{
			name:   "unknown executor field",
			schema: SchemaExecutor,
			data: map[string]interface{}{
				"id":     "a9c5d0a2-66f3-4c8b-9a8d-5c0f6d3e2b10",
				"kind":   map[string]interface{}{"type": "executable"},
				"script": "run.sh",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, tt.schema, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "missing", map[string]string{}); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	schemas := sr.ListSchemas()
	if len(schemas) != len(builtinDefinitions) {
		t.Fatalf("expected %d schemas, got %d", len(builtinDefinitions), len(schemas))
	}
	for i := 1; i < len(schemas); i++ {
		if schemas[i-1] > schemas[i] {
			t.Errorf("schemas not sorted: %v", schemas)
		}
	}
}
