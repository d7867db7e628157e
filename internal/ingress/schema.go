package ingress

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fluxgate/realtime/internal/apierr"
)

// SchemaRegistry holds optional per-(tenant, topic) JSON Schemas, compiled
// once at registration time. A topic with no registered schema is admitted
// unconditionally — schema validation is opt-in.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry builds an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores a JSON Schema document for (tenantID, topic).
// An empty document removes any existing schema for that key.
func (r *SchemaRegistry) Register(tenantID, topic, schemaDoc string) error {
	key := registryKey(tenantID, topic)

	r.mu.Lock()
	defer r.mu.Unlock()

	if schemaDoc == "" {
		delete(r.schemas, key)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	resourceURL := fmt.Sprintf("https://schemas.fluxgate.internal/topics/%s.schema.json", key)
	if err := c.AddResource(resourceURL, strings.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("ingress: load schema for %s: %w", key, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("ingress: compile schema for %s: %w", key, err)
	}
	r.schemas[key] = compiled
	return nil
}

// Validate checks payload against the tenant-independent schema registered
// for topic (tenant ""), if any. No schema registered means no-op success.
func (r *SchemaRegistry) Validate(topic string, payload []byte) error {
	return r.validate("", topic, payload)
}

// ValidateForTenant is Validate scoped to a specific tenant's schema, used
// when the caller has a tenant-specific schema registered under the same
// topic name as another tenant's unrelated schema. With no schema for
// (tenantID, topic) it falls back to the tenant-independent one for topic.
func (r *SchemaRegistry) ValidateForTenant(tenantID, topic string, payload []byte) error {
	return r.validate(tenantID, topic, payload)
}

func (r *SchemaRegistry) validate(tenantID, topic string, payload []byte) error {
	key := registryKey(tenantID, topic)

	r.mu.RLock()
	schema, ok := r.schemas[key]
	if !ok && tenantID != "" {
		schema, ok = r.schemas[registryKey("", topic)]
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return apierr.New(apierr.CodeValidationFailed, "payload is not valid JSON")
	}
	if err := schema.Validate(v); err != nil {
		return apierr.New(apierr.CodeValidationFailed, fmt.Sprintf("schema validation failed: %v", err))
	}
	return nil
}

func registryKey(tenantID, topic string) string {
	if tenantID == "" {
		return topic
	}
	return tenantID + "/" + topic
}
