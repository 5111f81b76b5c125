package domain

import (
	"encoding/json"
	"slices"
)

const (
	LoginTypePassword = "m.login.password"
	LoginTypeSSO      = "m.login.sso"
	LoginTypeToken    = "m.login.token"

	RegistrationStageToken = "m.login.registration_token"
	RegistrationStageDummy = "m.login.dummy"
)

type IdentityProvider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// LoginFlow is a login flow as advertised by the homeserver. Identity
// providers stay raw so one malformed entry cannot spoil the whole list.
type LoginFlow struct {
	Type              string            `json:"type"`
	IdentityProviders []json.RawMessage `json:"identity_providers,omitempty"`
}

// ServerAuthCapabilities is produced fresh by every probe. The zero value is
// the empty capabilities value returned when probing is refused.
type ServerAuthCapabilities struct {
	SupportsPassword     bool
	SupportsSSO          bool
	SSOIdentityProviders []IdentityProvider
	SupportsRegistration bool
	RegistrationStages   []string
	ResolvedHomeserver   string
}

func (c ServerAuthCapabilities) IsEmpty() bool {
	return !c.SupportsPassword &&
		!c.SupportsSSO &&
		len(c.SSOIdentityProviders) == 0 &&
		!c.SupportsRegistration &&
		len(c.RegistrationStages) == 0 &&
		c.ResolvedHomeserver == ""
}

func (c ServerAuthCapabilities) HasRegistrationStage(stage string) bool {
	return slices.Contains(c.RegistrationStages, stage)
}

func (c ServerAuthCapabilities) RequiresRegistrationToken() bool {
	return c.HasRegistrationStage(RegistrationStageToken)
}
