// Package catalog layers domain rules over the persistence resource tree:
// payload schema validation per resource kind, and the cleanup task enqueued
// when a connection disappears.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/querydeck/internal/bus"
	"github.com/basket/querydeck/internal/persistence"
)

// connectionSchema constrains connection payloads. Driver names match the
// drivers package registry.
const connectionSchema = `{
	"type": "object",
	"required": ["driver"],
	"properties": {
		"driver": {"type": "string", "enum": ["sqlite", "postgres"]},
		"host": {"type": "string"},
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"database": {"type": "string"},
		"user": {"type": "string"},
		"password": {"type": "string"},
		"path": {"type": "string"},
		"ssl_mode": {"type": "string", "enum": ["disable", "require", "verify-ca", "verify-full"]},
		"options": {"type": "object"}
	},
	"additionalProperties": false
}`

// environmentSchema constrains environment payloads: a flat bag of variables.
const environmentSchema = `{
	"type": "object",
	"properties": {
		"variables": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"additionalProperties": false
}`

// ConnectionProfile is the decoded payload of a connection resource.
type ConnectionProfile struct {
	Driver   string            `json:"driver"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Database string            `json:"database,omitempty"`
	User     string            `json:"user,omitempty"`
	Password string            `json:"password,omitempty"`
	Path     string            `json:"path,omitempty"`
	SSLMode  string            `json:"ssl_mode,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Service validates and mutates the catalog, and schedules history cleanup
// when connections are removed.
type Service struct {
	store   *persistence.Store
	logger  *slog.Logger
	bus     *bus.Bus // may be nil
	schemas map[persistence.ResourceKind]*jsonschema.Schema
}

func NewService(store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas := make(map[persistence.ResourceKind]*jsonschema.Schema, 2)
	for kind, raw := range map[persistence.ResourceKind]string{
		persistence.KindConnection:  connectionSchema,
		persistence.KindEnvironment: environmentSchema,
	} {
		schema, err := compileSchema(string(kind), raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &Service{store: store, logger: logger, bus: eventBus, schemas: schemas}, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}

// ValidatePayload checks a payload document against the kind's schema.
// Folders carry no payload contract.
func (s *Service) ValidatePayload(kind persistence.ResourceKind, payload string) error {
	schema, ok := s.schemas[kind]
	if !ok {
		return nil
	}
	if payload == "" {
		payload = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload schema: %w", err)
	}
	return nil
}

// Create validates and inserts a resource, publishing a catalog event.
func (s *Service) Create(ctx context.Context, parentID *uuid.UUID, kind persistence.ResourceKind, name, payload string) (*persistence.Resource, error) {
	if name == "" {
		return nil, fmt.Errorf("resource name required")
	}
	if err := s.ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	res, err := s.store.CreateResource(ctx, parentID, kind, name, payload)
	if err != nil {
		return nil, err
	}
	s.publish(res.ID, kind, "created")
	return res, nil
}

// Update validates and applies a rename/payload change.
func (s *Service) Update(ctx context.Context, id uuid.UUID, name, payload string) (*persistence.Resource, error) {
	existing, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = existing.Name
	}
	if payload == "" {
		payload = existing.Payload
	}
	if err := s.ValidatePayload(existing.Kind, payload); err != nil {
		return nil, err
	}
	res, err := s.store.UpdateResource(ctx, id, name, payload)
	if err != nil {
		return nil, err
	}
	s.publish(res.ID, res.Kind, "updated")
	return res, nil
}

// Get returns one resource.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*persistence.Resource, error) {
	return s.store.GetResource(ctx, id)
}

// Children lists direct children of a node (nil for roots).
func (s *Service) Children(ctx context.Context, parentID *uuid.UUID) ([]persistence.Resource, error) {
	return s.store.ListChildren(ctx, parentID)
}

// Delete removes a subtree. Every connection inside it gets a one-shot
// cleanup task so its query history is reclaimed by the scheduler rather
// than inline on the request path.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	connections, err := s.store.DeleteResourceTree(ctx, id)
	if err != nil {
		return err
	}
	for _, connID := range connections {
		created, err := s.store.CreateScheduledTask(ctx, persistence.TaskCleanupConnectionHistory, connID, time.Time{})
		if err != nil {
			return fmt.Errorf("schedule history cleanup for %s: %w", connID, err)
		}
		if created == nil {
			s.logger.Debug("history cleanup already scheduled", "connection_id", connID)
		}
	}
	s.publish(id, "", "deleted")
	return nil
}

// ConnectionProfileFor loads and decodes a connection resource's payload.
func (s *Service) ConnectionProfileFor(ctx context.Context, id uuid.UUID) (*ConnectionProfile, error) {
	res, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Kind != persistence.KindConnection {
		return nil, fmt.Errorf("resource %s is a %s, not a connection", id, res.Kind)
	}
	var profile ConnectionProfile
	if err := json.Unmarshal([]byte(res.Payload), &profile); err != nil {
		return nil, fmt.Errorf("decode connection profile: %w", err)
	}
	return &profile, nil
}

func (s *Service) publish(id uuid.UUID, kind persistence.ResourceKind, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicCatalogChanged, bus.CatalogEvent{
		ResourceID: id.String(),
		Kind:       string(kind),
		Action:     action,
	})
}
