package fedclient

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"
)

const DefaultPort = 8338

// Resolver turns server names into base URLs. Server names without a port get DefaultPort, and
// everything is plain HTTP. Overrides take precedence and are meant for tests and local setups.
type Resolver struct {
	Port   int
	Scheme string

	overrides *exsync.Map[string, *url.URL]
	cache     *exsync.Map[string, *url.URL]
}

func NewResolver() *Resolver {
	return &Resolver{
		Port:      DefaultPort,
		Scheme:    "http",
		overrides: exsync.NewMap[string, *url.URL](),
		cache:     exsync.NewMap[string, *url.URL](),
	}
}

// Override makes serverName resolve to the given base URL.
func (r *Resolver) Override(serverName, baseURL string) error {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL for %s: %w", serverName, err)
	}
	r.overrides.Set(serverName, parsed)
	return nil
}

func (r *Resolver) Resolve(serverName string) (*url.URL, error) {
	if override, ok := r.overrides.Get(serverName); ok {
		return override, nil
	} else if cached, ok := r.cache.Get(serverName); ok {
		return cached, nil
	}
	parsed := id.ParseServerName(serverName)
	if parsed == nil {
		return nil, fmt.Errorf("invalid server name %q", serverName)
	}
	host := serverName
	if _, _, err := net.SplitHostPort(serverName); err != nil {
		host = net.JoinHostPort(strings.Trim(parsed.Host, "[]"), strconv.Itoa(r.Port))
	}
	resolved := &url.URL{Scheme: r.Scheme, Host: host}
	r.cache.Set(serverName, resolved)
	return resolved, nil
}
