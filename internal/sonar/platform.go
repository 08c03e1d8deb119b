package sonar

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/okorach/sonar-tools-sub002/pkg/client"
)

// Editions, weakest first. Portfolios need Enterprise, applications
// Developer.
const (
	EditionCommunity  = "community"
	EditionDeveloper  = "developer"
	EditionEnterprise = "enterprise"
	EditionDataCenter = "datacenter"
)

var editionRank = map[string]int{
	EditionCommunity:  0,
	EditionDeveloper:  1,
	EditionEnterprise: 2,
	EditionDataCenter: 3,
}

// Platform knows the server's identity: version, edition, server id.
// Loaded once, then answered from memory.
type Platform struct {
	client *client.Client
	logger Logger

	mu       sync.Mutex
	loaded   bool
	version  string
	edition  string
	serverID string
}

func NewPlatform(c *client.Client, logger Logger) *Platform {
	return &Platform{client: c, logger: logger}
}

type navigationGlobal struct {
	Version string `json:"version"`
	Edition string `json:"edition"`
}

func (p *Platform) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	var nav navigationGlobal
	if err := p.client.Get(ctx, "api/navigation/global", nil, &nav); err != nil {
		return fmt.Errorf("reading server identity: %w", err)
	}

	status, err := p.client.CheckConnectivity(ctx)
	if err != nil {
		return err
	}

	p.version = nav.Version
	p.edition = strings.ToLower(nav.Edition)
	p.serverID = status.ID
	p.loaded = true

	p.logger.Debug("platform identified",
		"version", p.version,
		"edition", p.edition,
		"serverId", p.serverID)
	return nil
}

func (p *Platform) Version(ctx context.Context) (string, error) {
	if err := p.load(ctx); err != nil {
		return "", err
	}
	return p.version, nil
}

func (p *Platform) Edition(ctx context.Context) (string, error) {
	if err := p.load(ctx); err != nil {
		return "", err
	}
	return p.edition, nil
}

func (p *Platform) ServerID(ctx context.Context) (string, error) {
	if err := p.load(ctx); err != nil {
		return "", err
	}
	return p.serverID, nil
}

// RequireEdition gates a feature on a minimum edition. An unknown
// edition string is treated as sufficient: better to attempt the call
// and surface the platform's answer than to refuse on a name this tool
// does not know.
func (p *Platform) RequireEdition(ctx context.Context, feature, minimum string) error {
	edition, err := p.Edition(ctx)
	if err != nil {
		return err
	}

	rank, known := editionRank[edition]
	required := editionRank[minimum]
	if known && rank < required {
		return fmt.Errorf("%s requires the %s edition, server runs %s: %w",
			feature, minimum, edition, client.ErrUnsupportedOperation)
	}
	return nil
}

// PlatformExport is the "platform" section of an export document. It
// identifies where the snapshot came from; import ignores it.
type PlatformExport struct {
	URL      string `json:"url"`
	Version  string `json:"version"`
	Edition  string `json:"edition"`
	ServerID string `json:"serverId"`
}

func (p *Platform) Export(ctx context.Context) (interface{}, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return PlatformExport{
		URL:      p.client.BaseURL(),
		Version:  p.version,
		Edition:  p.edition,
		ServerID: p.serverID,
	}, nil
}
