package proliferate

import (
	"context"

	"github.com/proliferate-ai/proliferate-sub003/core"
	"github.com/proliferate-ai/proliferate-sub003/internal/gateway"
	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// GatewayProvider builds gateway-backed transports per attached
// session. It implements core.TransportProvider.
type GatewayProvider struct {
	baseURL string
	logger  pslog.Logger
}

// NewGatewayProvider constructs a provider for the gateway origin.
func NewGatewayProvider(baseURL string, logger pslog.Logger) *GatewayProvider {
	return &GatewayProvider{baseURL: baseURL, logger: logger}
}

// TransportFor implements core.TransportProvider.
func (p *GatewayProvider) TransportFor(session schema.Session, tokens core.TokenSource) core.Transport {
	return &gatewayTransport{
		client: gateway.New(p.baseURL, session.ID, tokens, p.logger),
	}
}

// gatewayTransport narrows *gateway.Client to the core.Transport
// interface; the socket types already satisfy the conn interfaces.
type gatewayTransport struct {
	client *gateway.Client
}

func (t *gatewayTransport) ListServices(ctx context.Context) (schema.ServiceList, error) {
	return t.client.ListServices(ctx)
}

func (t *gatewayTransport) StartService(ctx context.Context, name schema.ServiceName, command, cwd string) error {
	return t.client.StartService(ctx, name, command, cwd)
}

func (t *gatewayTransport) StopService(ctx context.Context, name schema.ServiceName) error {
	return t.client.StopService(ctx, name)
}

func (t *gatewayTransport) ExposePort(ctx context.Context, port uint16) error {
	return t.client.ExposePort(ctx, port)
}

func (t *gatewayTransport) StreamLogs(ctx context.Context, name schema.ServiceName) (<-chan schema.LogEvent, func(), error) {
	return t.client.StreamLogs(ctx, name)
}

func (t *gatewayTransport) DialTerminal(ctx context.Context) (core.TerminalConn, error) {
	sock, err := t.client.DialTerminal(ctx)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func (t *gatewayTransport) DialGit(ctx context.Context) (core.GitConn, error) {
	sock, err := t.client.DialGit(ctx)
	if err != nil {
		return nil, err
	}
	return sock, nil
}
