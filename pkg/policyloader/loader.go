// Package policyloader reads assurance-policy seed files. A seed is YAML,
// validated against an embedded JSON Schema before any row is written.
package policyloader

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://trustgate.schemas.local/policy-seed.schema.json"

var seedSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("policyloader: load schema: %v", err))
	}
	return c.MustCompile(schemaURL)
}()

// Seed is a parsed, validated seed file.
type Seed struct {
	Principals []identity.Principal
	Policies   []contracts.AssurancePolicy
}

type levelValue contracts.Level

func (l *levelValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		n, err := strconv.Atoi(string(b))
		if err != nil {
			return fmt.Errorf("level %s: %w", b, err)
		}
		s = strconv.Itoa(n)
	}
	parsed, err := contracts.ParseLevel(s)
	if err != nil {
		return err
	}
	*l = levelValue(parsed)
	return nil
}

type seedFile struct {
	TenantID   string `json:"tenant_id"`
	Principals []struct {
		ID          string `json:"id"`
		TenantID    string `json:"tenant_id"`
		Kind        string `json:"kind"`
		DisplayName string `json:"display_name"`
	} `json:"principals"`
	Policies []struct {
		TenantID         string            `json:"tenant_id"`
		ArtifactType     string            `json:"artifact_type"`
		Level            levelValue        `json:"level"`
		MinReviewers     int               `json:"min_reviewers"`
		RequiredFacets   []contracts.Facet `json:"required_facets"`
		ExternalRequired bool              `json:"external_required"`
		Description      string            `json:"description"`
		IsActive         *bool             `json:"is_active"`
	} `json:"policies"`
}

// Parse validates a YAML seed document and converts it. Entries without a
// tenant inherit the document's tenant_id; policies are active unless
// is_active is false.
func Parse(data []byte) (*Seed, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("seed is not representable as JSON: %w", err)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := seedSchema.Validate(instance); err != nil {
		return nil, contracts.Wrap(contracts.KindValidation, err, "policy seed does not match schema")
	}

	var f seedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	tenantOr := func(t string) string {
		if t != "" {
			return t
		}
		return f.TenantID
	}
	seed := &Seed{}
	for i, p := range f.Principals {
		kind := identity.PrincipalKind(p.Kind)
		if kind == "" {
			kind = identity.PrincipalUser
		}
		pr := identity.Principal{ID: p.ID, TenantID: tenantOr(p.TenantID), Kind: kind, DisplayName: p.DisplayName}
		if pr.TenantID == "" {
			return nil, contracts.Errorf(contracts.KindValidation, "principals[%d] (%s) has no tenant", i, p.ID)
		}
		seed.Principals = append(seed.Principals, pr)
	}
	for i, p := range f.Policies {
		active := true
		if p.IsActive != nil {
			active = *p.IsActive
		}
		policy := contracts.AssurancePolicy{
			TenantID:         tenantOr(p.TenantID),
			ArtifactType:     contracts.ArtifactType(p.ArtifactType),
			Level:            contracts.Level(p.Level),
			MinReviewers:     p.MinReviewers,
			RequiredFacets:   contracts.FacetSet(p.RequiredFacets),
			ExternalRequired: p.ExternalRequired,
			Description:      p.Description,
			IsActive:         active,
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		seed.Policies = append(seed.Policies, policy)
	}
	return seed, nil
}

// LoadFile reads and parses the seed at path.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	seed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return seed, nil
}

// PolicyWriter stores one assurance policy.
type PolicyWriter interface {
	UpsertPolicy(ctx context.Context, p contracts.AssurancePolicy) (contracts.AssurancePolicy, error)
}

// PrincipalWriter stores one principal.
type PrincipalWriter interface {
	Register(ctx context.Context, p identity.Principal) error
}

// Result counts what Apply wrote.
type Result struct {
	Principals int
	Policies   int
}

// Apply writes principals first, then policies. It stops at the first
// failure; rows already written stay, and re-applying the same seed is safe.
func Apply(ctx context.Context, seed *Seed, policies PolicyWriter, principals PrincipalWriter) (Result, error) {
	var res Result
	for _, p := range seed.Principals {
		if err := principals.Register(ctx, p); err != nil {
			return res, fmt.Errorf("register principal %s: %w", p.ID, err)
		}
		res.Principals++
	}
	for _, p := range seed.Policies {
		if _, err := policies.UpsertPolicy(ctx, p); err != nil {
			return res, fmt.Errorf("upsert policy %s %s: %w", p.ArtifactType, p.Level, err)
		}
		res.Policies++
	}
	slog.Default().With("component", "policyloader").InfoContext(ctx, "seed applied",
		"principals", res.Principals, "policies", res.Policies)
	return res, nil
}
