package toml

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version  int             `toml:"version"`
	Accounts []accountSchema `toml:"accounts"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported accounts schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

// accountSchema never holds secrets; tokens stay in the secret store.
type accountSchema struct {
	Name        string `toml:"name"`
	Homeserver  string `toml:"homeserver,omitempty"`
	UserID      string `toml:"user_id,omitempty"`
	DeviceID    string `toml:"device_id,omitempty"`
	LastLoginAt string `toml:"last_login_at,omitempty"`
}
