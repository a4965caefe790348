package contracts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ArtifactType tags the kind of governed object. The core never reads artifact
// content, only its identity and approval status.
type ArtifactType string

const (
	ArtifactRoleAgent     ArtifactType = "ROLE_AGENT"
	ArtifactPolicy        ArtifactType = "POLICY"
	ArtifactSignal        ArtifactType = "SIGNAL"
	ArtifactRegistryEntry ArtifactType = "REGISTRY_ENTRY"
)

// ArtifactTypes lists every governed kind.
var ArtifactTypes = []ArtifactType{ArtifactRoleAgent, ArtifactPolicy, ArtifactSignal, ArtifactRegistryEntry}

func (t ArtifactType) Valid() bool {
	for _, known := range ArtifactTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ArtifactRef identifies a polymorphic governed object.
type ArtifactRef struct {
	Type ArtifactType `json:"type" yaml:"type"`
	ID   string       `json:"id" yaml:"id"`
}

func (r ArtifactRef) String() string {
	return string(r.Type) + "/" + r.ID
}

// Validate rejects unknown types and empty ids.
func (r ArtifactRef) Validate() error {
	if !r.Type.Valid() {
		return Errorf(KindValidation, "unknown artifact type %q", r.Type)
	}
	if strings.TrimSpace(r.ID) == "" {
		return Errorf(KindValidation, "artifact id is required")
	}
	return nil
}

// SortArtifactRefs returns a sorted copy with duplicates removed.
func SortArtifactRefs(refs []ArtifactRef) []ArtifactRef {
	seen := make(map[ArtifactRef]struct{}, len(refs))
	out := make([]ArtifactRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Level is an assurance level (LoA). Higher is stricter.
type Level int

const (
	LevelMin Level = 1
	LevelMax Level = 5
)

func (l Level) Valid() bool { return l >= LevelMin && l <= LevelMax }

func (l Level) String() string { return "L" + strconv.Itoa(int(l)) }

// ParseLevel accepts "L3", "l3" or "3".
func ParseLevel(s string) (Level, error) {
	raw := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "L")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, Errorf(KindValidation, "invalid assurance level %q", s)
	}
	l := Level(n)
	if !l.Valid() {
		return 0, Errorf(KindValidation, "assurance level %q out of range %s..%s", s, LevelMin, LevelMax)
	}
	return l, nil
}

// Facet is a named review dimension.
type Facet string

const (
	FacetSecurity     Facet = "security"
	FacetCompliance   Facet = "compliance"
	FacetPolicy       Facet = "policy"
	FacetRisk         Facet = "risk"
	FacetLegal        Facet = "legal"
	FacetPrivacy      Facet = "privacy"
	FacetArchitecture Facet = "architecture"
)

var knownFacets = map[Facet]bool{
	FacetSecurity: true, FacetCompliance: true, FacetPolicy: true, FacetRisk: true,
	FacetLegal: true, FacetPrivacy: true, FacetArchitecture: true,
}

func (f Facet) Valid() bool { return knownFacets[f] }

// ParseFacet normalises case and surrounding whitespace.
func ParseFacet(s string) (Facet, error) {
	f := Facet(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", Errorf(KindValidation, "unknown facet %q", s)
	}
	return f, nil
}

// FacetSet returns the sorted, de-duplicated facets.
func FacetSet(facets []Facet) []Facet {
	seen := make(map[Facet]struct{}, len(facets))
	out := make([]Facet, 0, len(facets))
	for _, f := range facets {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatFacets renders facets as a comma separated list for storage and logs.
func FormatFacets(facets []Facet) string {
	parts := make([]string, len(facets))
	for i, f := range facets {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// ParseFacetList is the inverse of FormatFacets.
func ParseFacetList(s string) ([]Facet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Facet, 0, len(parts))
	for _, p := range parts {
		f, err := ParseFacet(p)
		if err != nil {
			return nil, fmt.Errorf("facet list %q: %w", s, err)
		}
		out = append(out, f)
	}
	return out, nil
}
