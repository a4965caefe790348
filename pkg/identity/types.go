// Package identity resolves principals (users, agents, services) to the
// tenant they act for, and holds the rotating key set used for EdDSA tokens.
package identity

import (
	"errors"
	"time"
)

type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "USER"
	PrincipalAgent   PrincipalKind = "AGENT"
	PrincipalService PrincipalKind = "SERVICE"
)

// Principal is anything that can issue tokens, sign bundles or review.
type Principal struct {
	ID          string        `json:"id" yaml:"id"`
	TenantID    string        `json:"tenant_id" yaml:"tenant_id"`
	Kind        PrincipalKind `json:"kind" yaml:"kind"`
	DisplayName string        `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
}

// ErrUnknownPrincipal is returned for ids the directory has never seen.
var ErrUnknownPrincipal = errors.New("unknown principal")
