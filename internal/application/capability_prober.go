package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const (
	DefaultProbeTimeout = 30 * time.Second

	registerPath = "/_matrix/client/v3/register"
)

type probeClient interface {
	ports.HomeserverConfig
	ports.HomeserverDiscovery
}

// CapabilityProber asks a homeserver which login and registration flows it
// offers without being logged in. Probing repoints the shared client, so
// probes hold the homeserver gate, run one at a time in arrival order and put
// the previous homeserver back on every exit path.
type CapabilityProber struct {
	client   probeClient
	loggedIn func() bool
	timeout  time.Duration
	logger   zerolog.Logger
	gate     *fifoGate
}

// NewCapabilityProber builds a prober. gate is the lock shared with every
// other writer of the client's homeserver; nil gives the prober its own.
func NewCapabilityProber(client probeClient, gate *fifoGate, loggedIn func() bool, timeout time.Duration, logger zerolog.Logger) *CapabilityProber {
	if gate == nil {
		gate = &fifoGate{}
	}
	if loggedIn == nil {
		loggedIn = func() bool { return false }
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &CapabilityProber{client: client, gate: gate, loggedIn: loggedIn, timeout: timeout, logger: logger}
}

func (p *CapabilityProber) Probe(ctx context.Context, input string) (domain.ServerAuthCapabilities, error) {
	if p.loggedIn() {
		p.logger.Debug().Str("input", input).Msg("refusing capability probe while logged in")
		return domain.ServerAuthCapabilities{}, nil
	}
	homeserver, err := domain.NormalizeHomeserver(input)
	if err != nil {
		return domain.ServerAuthCapabilities{}, err
	}

	if err := p.gate.acquire(ctx); err != nil {
		return domain.ServerAuthCapabilities{}, fmt.Errorf("wait for capability probe: %w", err)
	}
	defer p.gate.release()

	// a login may have completed while we were queued behind it
	if p.loggedIn() {
		return domain.ServerAuthCapabilities{}, nil
	}

	previous := p.client.Homeserver()
	defer p.client.SetHomeserver(previous)

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	caps, err := p.probe(probeCtx, homeserver)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ServerAuthCapabilities{}, fmt.Errorf("probe %s: %w: %w", homeserver, domain.ErrTimeout, err)
		}
		return domain.ServerAuthCapabilities{}, fmt.Errorf("probe %s: %w", homeserver, err)
	}

	return caps, nil
}

func (p *CapabilityProber) probe(ctx context.Context, homeserver string) (domain.ServerAuthCapabilities, error) {
	p.client.SetHomeserver(homeserver)
	resolved, err := p.client.CheckHomeserver(ctx, homeserver)
	if err != nil {
		return domain.ServerAuthCapabilities{}, fmt.Errorf("check homeserver: %w", err)
	}
	if resolved == "" {
		resolved = homeserver
	}
	if resolved != homeserver {
		p.client.SetHomeserver(resolved)
	}

	flows, err := p.client.GetLoginFlows(ctx)
	if err != nil {
		return domain.ServerAuthCapabilities{}, fmt.Errorf("get login flows: %w", err)
	}

	caps := domain.ServerAuthCapabilities{ResolvedHomeserver: resolved}
	for _, flow := range flows {
		switch flow.Type {
		case domain.LoginTypePassword:
			caps.SupportsPassword = true
		case domain.LoginTypeSSO:
			caps.SupportsSSO = true
			caps.SSOIdentityProviders = append(caps.SSOIdentityProviders, p.parseProviders(flow.IdentityProviders)...)
		}
	}

	caps.SupportsRegistration, caps.RegistrationStages = p.probeRegistration(ctx)

	return caps, nil
}

// parseProviders skips entries that are not objects or lack an id or name.
func (p *CapabilityProber) parseProviders(raw []json.RawMessage) []domain.IdentityProvider {
	providers := make([]domain.IdentityProvider, 0, len(raw))
	for _, entry := range raw {
		var provider domain.IdentityProvider
		if err := json.Unmarshal(entry, &provider); err != nil {
			p.logger.Debug().Err(err).Msg("skipping malformed identity provider")
			continue
		}
		if provider.ID == "" || provider.Name == "" {
			p.logger.Debug().Str("id", provider.ID).Msg("skipping incomplete identity provider")
			continue
		}
		providers = append(providers, provider)
	}

	return providers
}

type registrationFlows struct {
	Flows []struct {
		Stages []string `json:"stages"`
	} `json:"flows"`
}

// probeRegistration sends an empty registration request. Only a structured
// answer carrying flows means registration is open; anything else, including
// a transport failure, reads as closed.
func (p *CapabilityProber) probeRegistration(ctx context.Context) (bool, []string) {
	_, err := p.client.Request(ctx, http.MethodPost, registerPath, map[string]any{})
	if err == nil {
		return false, nil
	}

	matrixErr, ok := domain.AsMatrixError(err)
	if !ok || len(matrixErr.Body) == 0 {
		p.logger.Debug().Err(err).Msg("registration probe failed")
		return false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(matrixErr.Body, &fields); err != nil {
		return false, nil
	}
	if _, ok := fields["flows"]; !ok {
		return false, nil
	}

	var body registrationFlows
	if err := json.Unmarshal(matrixErr.Body, &body); err != nil {
		p.logger.Debug().Err(err).Msg("malformed registration flows")
		return true, nil
	}

	stages := []string{}
	for _, flow := range body.Flows {
		for _, stage := range flow.Stages {
			if !slices.Contains(stages, stage) {
				stages = append(stages, stage)
			}
		}
	}
	slices.Sort(stages)

	return true, stages
}
