package server

import (
	"time"

	"github.com/StricklySoft/accessgate/pkg/auth"
)

// IdentityView is the JSON form of an [auth.Identity].
type IdentityView struct {
	SubjectID   string    `json:"subject"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	HighestRole string    `json:"highest_role,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Issuer      string    `json:"issuer"`
	Audience    []string  `json:"audience,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewIdentityView copies id into its JSON form.
func NewIdentityView(id *auth.Identity) IdentityView {
	roles := id.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return IdentityView{
		SubjectID:   id.SubjectID(),
		Email:       id.Email(),
		DisplayName: id.DisplayName(),
		Roles:       names,
		HighestRole: id.HighestRole().String(),
		TenantID:    id.TenantID(),
		Issuer:      id.Issuer(),
		Audience:    id.Audience(),
		IssuedAt:    id.IssuedAt().UTC(),
		ExpiresAt:   id.ExpiresAt().UTC(),
	}
}
