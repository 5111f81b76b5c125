package domain

import (
	"errors"
	"fmt"
)

type Session struct {
	AccessToken      string
	UserID           string
	Homeserver       string
	DeviceID         string
	DeviceName       string
	OlmAccountPickle string
}

func (s Session) IsZero() bool {
	return s == Session{}
}

func (s Session) Validate() error {
	var errs []error
	if s.AccessToken == "" {
		errs = append(errs, errors.New("access token is required"))
	}
	if s.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if s.Homeserver == "" {
		errs = append(errs, errors.New("homeserver is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid session: %w", errors.Join(errs...))
	}

	return nil
}

type SyncUpdate struct {
	NextBatch          string
	JoinedRooms        int
	DeviceListsChanged []string
}

type KeyBackupInfo struct {
	Version   string
	Algorithm string
	PublicKey string
	Count     int
}
