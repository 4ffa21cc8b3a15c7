package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TrustLevel is the trust tier a remote agent declares.
type TrustLevel string

const (
	TrustVerifiedPartner TrustLevel = "verified_partner"
	TrustTrusted         TrustLevel = "trusted"
	TrustStandard        TrustLevel = "standard"
	TrustUnknown         TrustLevel = "unknown"
	TrustUntrusted       TrustLevel = "untrusted"
)

// RetentionPolicy describes how long a remote agent keeps data.
type RetentionPolicy string

const (
	RetentionEphemeral RetentionPolicy = "ephemeral"
	RetentionTemporary RetentionPolicy = "temporary"
	RetentionPermanent RetentionPolicy = "permanent"
	RetentionForever   RetentionPolicy = "forever"
)

// ReversibilityLevel describes whether an agent can undo its transactions.
type ReversibilityLevel string

const (
	ReversibilityFull    ReversibilityLevel = "full"
	ReversibilityPartial ReversibilityLevel = "partial"
	ReversibilityNone    ReversibilityLevel = "none"
)

// AgentCapabilities is the capability half of a manifest.
type AgentCapabilities struct {
	Reversibility    ReversibilityLevel `json:"reversibility"`
	Idempotency      bool               `json:"idempotency"`
	RateLimit        int                `json:"rate_limit,omitempty"`
	SLALatencyMs     int                `json:"sla_latency_ms,omitempty"`
	UndoWindowSecond int                `json:"undo_window_seconds,omitempty"`
}

// PrivacyContract is the privacy half of a manifest.
type PrivacyContract struct {
	Retention           RetentionPolicy `json:"retention"`
	HumanReview         bool            `json:"human_review"`
	EncryptionAtRest    bool            `json:"encryption_at_rest"`
	EncryptionInTransit bool            `json:"encryption_in_transit"`
}

// CapabilityManifest is what a remote agent declares about itself during a handshake.
type CapabilityManifest struct {
	AgentID         string            `json:"agent_id"`
	TrustLevel      TrustLevel        `json:"trust_level"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	PrivacyContract PrivacyContract   `json:"privacy_contract"`
}

// Context flattens the manifest into the key space policy rules match against.
func (m CapabilityManifest) Context() map[string]any {
	return map[string]any{
		"agent_id":              m.AgentID,
		"trust_level":           string(m.TrustLevel),
		"retention_policy":      string(m.PrivacyContract.Retention),
		"reversibility":         string(m.Capabilities.Reversibility),
		"idempotency":           m.Capabilities.Idempotency,
		"human_review":          m.PrivacyContract.HumanReview,
		"encryption_at_rest":    m.PrivacyContract.EncryptionAtRest,
		"encryption_in_transit": m.PrivacyContract.EncryptionInTransit,
	}
}

const manifestSchemaURL = "https://govkernel.schemas.local/capability_manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "trust_level", "capabilities", "privacy_contract"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "trust_level": {"enum": ["verified_partner", "trusted", "standard", "unknown", "untrusted"]},
    "capabilities": {
      "type": "object",
      "required": ["reversibility", "idempotency"],
      "properties": {
        "reversibility": {"enum": ["full", "partial", "none"]},
        "idempotency": {"type": "boolean"},
        "rate_limit": {"type": "integer", "minimum": 0},
        "sla_latency_ms": {"type": "integer", "minimum": 0},
        "undo_window_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "privacy_contract": {
      "type": "object",
      "required": ["retention"],
      "properties": {
        "retention": {"enum": ["ephemeral", "temporary", "permanent", "forever"]},
        "human_review": {"type": "boolean"},
        "encryption_at_rest": {"type": "boolean"},
        "encryption_in_transit": {"type": "boolean"}
      }
    }
  }
}`

var (
	manifestSchemaOnce     sync.Once
	manifestSchemaCompiled *jsonschema.Schema
	manifestSchemaErr      error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			manifestSchemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		manifestSchemaCompiled, manifestSchemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchemaCompiled, manifestSchemaErr
}

// ParseManifest decodes a JSON manifest after validating it against the manifest schema.
func ParseManifest(data []byte) (CapabilityManifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return CapabilityManifest{}, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return CapabilityManifest{}, fmt.Errorf("manifest decode failed: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return CapabilityManifest{}, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var m CapabilityManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return CapabilityManifest{}, fmt.Errorf("manifest decode failed: %w", err)
	}
	return m, nil
}
