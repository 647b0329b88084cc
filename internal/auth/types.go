package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrOperatorRevoked    = errors.New("operator is disabled")
)

// Permissions gating the pipeline's operator-facing endpoints.
const (
	PermSubmit      = "assets:submit"
	PermRead        = "assets:read"
	PermApprove     = "cashout:approve"
	PermCashout     = "cashout:execute"
	PermReleaseHold = "hold:release"
	PermStats       = "stats:read"
)

// RolePermissions maps custody roles to the permissions they grant.
// Roles keep approval and execution separated so no single operator can
// both vote on and fire a cashout.
var RolePermissions = map[string][]string{
	"intake":    {PermSubmit, PermRead},
	"auditor":   {PermRead, PermStats},
	"approver":  {PermRead, PermApprove},
	"treasurer": {PermRead, PermCashout, PermReleaseHold},
	"admin":     {PermSubmit, PermRead, PermApprove, PermCashout, PermReleaseHold, PermStats},
}

// ExpandRoles returns the deduplicated permission set granted by roles,
// merged with any explicitly assigned permissions.
func ExpandRoles(roles, extra []string) []string {
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range RolePermissions[strings.ToLower(strings.TrimSpace(role))] {
			set[perm] = struct{}{}
		}
	}
	for _, perm := range extra {
		perm = strings.ToLower(strings.TrimSpace(perm))
		if perm != "" {
			set[perm] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// Store abstracts the persistent operator catalogue. Implementations must be
// safe for concurrent use.
type Store interface {
	FindOperatorByName(ctx context.Context, name string) (*Operator, error)
	LoadSubject(ctx context.Context, operatorID int64) (*Subject, error)
}

// Operator represents a persisted operator account with credentials.
type Operator struct {
	ID           int64
	Name         string
	PasswordHash string
	Disabled     bool
}

// Subject captures the information embedded in access tokens and passed to
// request handlers via context.
type Subject struct {
	ID          int64
	Name        string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject holds the given permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject holds all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrOperatorRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy of the subject suitable for embedding in tokens.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Name:        s.Name,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest describes the payload accepted by the token issuance endpoint.
type TokenRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	Seeds []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret     string
	Issuer     string
	AccessTTL  int64
	RefreshTTL int64
}

// Seed defines the initial operator accounts to bootstrap.
type Seed struct {
	Operator    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}
