package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

type RegisterRequest struct {
	Username          string
	Password          string
	RegistrationToken string
	DeviceName        string
}

type uiaaFlow struct {
	Stages []string `json:"stages"`
}

type uiaaResponse struct {
	Session   string     `json:"session"`
	Flows     []uiaaFlow `json:"flows"`
	Completed []string   `json:"completed"`
}

// Register creates an account through the user-interactive auth flow and
// keeps the new session. Only flows made of registration token and dummy
// stages can be completed.
func (c *Client) Register(ctx context.Context, request RegisterRequest) (ports.LoginResponse, error) {
	if request.Username == "" || request.Password == "" {
		return ports.LoginResponse{}, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument)
	}

	payload := map[string]any{
		"username":                    request.Username,
		"password":                    request.Password,
		"initial_device_display_name": request.DeviceName,
		"refresh_token":               true,
	}

	body, err := c.call(ctx, http.MethodPost, pathRegister, false, payload)
	for step := 0; err != nil; step++ {
		uiaa, ok := uiaaChallenge(err)
		if !ok {
			return ports.LoginResponse{}, fmt.Errorf("register: %w", err)
		}
		if step > 4 {
			return ports.LoginResponse{}, errors.New("register: server keeps asking for more auth stages")
		}

		stage, stageErr := nextStage(uiaa)
		if stageErr != nil {
			return ports.LoginResponse{}, fmt.Errorf("register: %w", stageErr)
		}
		auth := map[string]any{"type": stage, "session": uiaa.Session}
		if stage == domain.RegistrationStageToken {
			if request.RegistrationToken == "" {
				return ports.LoginResponse{}, fmt.Errorf("%w: server requires a registration token", domain.ErrInvalidArgument)
			}
			auth["token"] = request.RegistrationToken
		}
		payload["auth"] = auth

		body, err = c.call(ctx, http.MethodPost, pathRegister, false, payload)
	}

	response, err := c.adoptSession(body)
	if err != nil {
		return ports.LoginResponse{}, fmt.Errorf("register: %w", err)
	}
	c.logger.Info().Str("user_id", response.UserID).Str("device_id", response.DeviceID).Msg("registered matrix account")

	return response, nil
}

func uiaaChallenge(err error) (uiaaResponse, bool) {
	matrixErr, ok := domain.AsMatrixError(err)
	if !ok || matrixErr.StatusCode != http.StatusUnauthorized {
		return uiaaResponse{}, false
	}
	var uiaa uiaaResponse
	if jsonErr := json.Unmarshal(matrixErr.Body, &uiaa); jsonErr != nil || uiaa.Session == "" || len(uiaa.Flows) == 0 {
		return uiaaResponse{}, false
	}

	return uiaa, true
}

// nextStage picks the first flow this client can complete and returns its
// first stage not yet completed.
func nextStage(uiaa uiaaResponse) (string, error) {
	for _, flow := range uiaa.Flows {
		supported := len(flow.Stages) > 0
		for _, stage := range flow.Stages {
			if stage != domain.RegistrationStageToken && stage != domain.RegistrationStageDummy {
				supported = false
				break
			}
		}
		if !supported {
			continue
		}
		for _, stage := range flow.Stages {
			if !slices.Contains(uiaa.Completed, stage) {
				return stage, nil
			}
		}
	}

	return "", errors.New("no supported registration flow")
}
