package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

type userIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginBody struct {
	Type                     string          `json:"type"`
	Identifier               *userIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password,omitempty"`
	Token                    string          `json:"token,omitempty"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
	RefreshToken             bool            `json:"refresh_token"`
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	WellKnown    struct {
		Homeserver struct {
			BaseURL string `json:"base_url"`
		} `json:"m.homeserver"`
	} `json:"well_known"`
}

// Login authenticates against the configured homeserver and keeps the
// resulting session. Password and token logins share the request shape.
func (c *Client) Login(ctx context.Context, request ports.LoginRequest) (ports.LoginResponse, error) {
	loginType := request.Type
	if loginType == "" {
		loginType = domain.LoginTypePassword
	}
	payload := loginBody{
		Type:                     loginType,
		DeviceID:                 request.DeviceID,
		InitialDeviceDisplayName: request.InitialDeviceDisplayName,
		RefreshToken:             true,
	}
	switch loginType {
	case domain.LoginTypePassword:
		if request.User == "" || request.Password == "" {
			return ports.LoginResponse{}, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument)
		}
		payload.Identifier = &userIdentifier{Type: "m.id.user", User: request.User}
		payload.Password = request.Password
	case domain.LoginTypeToken:
		if request.Token == "" {
			return ports.LoginResponse{}, fmt.Errorf("%w: login token is required", domain.ErrInvalidArgument)
		}
		payload.Token = request.Token
	default:
		return ports.LoginResponse{}, fmt.Errorf("%w: unsupported login type %q", domain.ErrInvalidArgument, loginType)
	}

	body, err := c.call(ctx, http.MethodPost, pathLogin, false, payload)
	if err != nil {
		return ports.LoginResponse{}, fmt.Errorf("login: %w", err)
	}

	response, err := c.adoptSession(body)
	if err != nil {
		return ports.LoginResponse{}, fmt.Errorf("login: %w", err)
	}
	c.logger.Info().Str("user_id", response.UserID).Str("device_id", response.DeviceID).Msg("logged in to matrix")

	return response, nil
}

func (c *Client) adoptSession(body []byte) (ports.LoginResponse, error) {
	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return ports.LoginResponse{}, fmt.Errorf("parse auth response: %w", err)
	}
	if auth.AccessToken == "" || auth.UserID == "" {
		return ports.LoginResponse{}, errors.New("auth response carries no session")
	}

	c.mu.Lock()
	if base := auth.WellKnown.Homeserver.BaseURL; base != "" {
		if normalized, err := domain.NormalizeHomeserver(base); err == nil {
			c.homeserver = normalized
		}
	}
	c.accessToken = auth.AccessToken
	c.refreshToken = auth.RefreshToken
	c.userID = auth.UserID
	c.deviceID = auth.DeviceID
	c.backupKey = nil
	homeserver := c.homeserver
	c.mu.Unlock()

	c.loginStates.publish(domain.LoginStateLoggedIn)

	return ports.LoginResponse{
		AccessToken: auth.AccessToken,
		UserID:      auth.UserID,
		DeviceID:    auth.DeviceID,
		Homeserver:  homeserver,
	}, nil
}

// RefreshAccessToken trades the refresh token for a new access token. A
// session that was never issued a refresh token cannot recover.
func (c *Client) RefreshAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	refreshToken := c.refreshToken
	c.mu.RUnlock()
	if refreshToken == "" {
		return "", fmt.Errorf("refresh access token: %w: no refresh token", domain.ErrPermanentAuthFailure)
	}

	body, err := c.call(ctx, http.MethodPost, pathRefresh, false, map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	var response struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parse refresh response: %w", err)
	}
	if response.AccessToken == "" {
		return "", errors.New("refresh response carries no access token")
	}

	c.mu.Lock()
	c.accessToken = response.AccessToken
	if response.RefreshToken != "" {
		c.refreshToken = response.RefreshToken
	}
	c.mu.Unlock()

	return response.AccessToken, nil
}

// Logout invalidates the token on the server. The local session is dropped
// whatever the server answers.
func (c *Client) Logout(ctx context.Context) error {
	c.StopSyncLoop()

	_, err := c.call(ctx, http.MethodPost, pathLogout, true, struct{}{})

	c.mu.Lock()
	c.accessToken = ""
	c.refreshToken = ""
	c.userID = ""
	c.deviceID = ""
	c.backupKey = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	return nil
}

// RestoreSession adopts a stored session without contacting the server.
// Restored sessions carry no refresh token.
func (c *Client) RestoreSession(session domain.Session) {
	c.mu.Lock()
	if session.Homeserver != "" {
		c.homeserver = session.Homeserver
	}
	c.accessToken = session.AccessToken
	c.refreshToken = ""
	c.userID = session.UserID
	c.deviceID = session.DeviceID
	c.backupKey = nil
	c.mu.Unlock()
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}
