// Package federation implements outbound server-to-server requests: server
// name resolution, X-Matrix request signing and the invite/message/probe
// operations built on top of them.
package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// ErrUnsupportedServerName is returned for server names this resolver
// cannot address at all (IPv6 literals), as opposed to names whose lookup
// merely failed.
var ErrUnsupportedServerName = errors.New("IPv6 server names are not supported")

var ipLiteralRegex = regexp.MustCompile(`^((localhost)|(([0-9]{1,3}\.){3}[0-9]{1,3}))$`)

const wellKnownPath = "/.well-known/matrix/server"
const wellKnownSizeLimit = 64 * 1024

// Resolver maps bare server names (hostname[:port] or IPv4 literal) to
// reachable base URLs. IP literals and localhost are addressed directly;
// DNS names go through the well-known delegation document.
//
// Successful delegation lookups are cached with a TTL and concurrent
// lookups for the same host are collapsed into one fetch. Failures are
// never cached and never retried here.
type Resolver struct {
	HTTP *http.Client

	cache *expirable.LRU[string, string]
	sf    singleflight.Group
}

// NewResolver wraps an HTTP client. A zero cacheTTL disables caching.
func NewResolver(client *http.Client, cacheTTL time.Duration) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	r := &Resolver{HTTP: client}
	if cacheTTL > 0 {
		r.cache = expirable.NewLRU[string, string](128, nil, cacheTTL)
	}
	return r
}

// Resolve returns the base URL for a server name. IP-literal resolution
// never touches the network; delegation performs exactly one well-known
// fetch and returns the m.server field verbatim.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (string, error) {
	host := serverName
	port := ""
	switch strings.Count(serverName, ":") {
	case 0:
	case 1:
		host, port, _ = strings.Cut(serverName, ":")
	default:
		return "", fmt.Errorf("%w (got %q)", ErrUnsupportedServerName, serverName)
	}
	if ipLiteralRegex.MatchString(host) {
		if port == "" {
			return "", fmt.Errorf("can't resolve IP literal %q without a port", host)
		}
		return fmt.Sprintf("https://%s:%s", host, port), nil
	}
	if port != "" {
		return "", fmt.Errorf("can't resolve %q: explicit ports are only supported for IP literals", serverName)
	}
	if r.cache != nil {
		if baseURL, ok := r.cache.Get(host); ok {
			return baseURL, nil
		}
	}
	baseURL, err, _ := r.sf.Do(host, func() (any, error) {
		return r.fetchWellKnown(ctx, host)
	})
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		r.cache.Add(host, baseURL.(string))
	}
	return baseURL.(string), nil
}

func (r *Resolver) fetchWellKnown(ctx context.Context, host string) (string, error) {
	url := "https://" + host + wellKnownPath
	zerolog.Ctx(ctx).Trace().Str("url", url).Msg("Fetching well-known delegation document")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to prepare well-known request for %q: %w", host, err)
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		wellKnownLookups.WithLabelValues("error").Inc()
		return "", fmt.Errorf("well-known lookup for %q failed: %w", host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, wellKnownSizeLimit))
	if err != nil {
		wellKnownLookups.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to read well-known document for %q: %w", host, err)
	}
	server := gjson.GetBytes(body, `m\.server`)
	if server.Type != gjson.String || server.Str == "" {
		wellKnownLookups.WithLabelValues("missing").Inc()
		return "", fmt.Errorf("well-known document for %q has no m.server field", host)
	}
	wellKnownLookups.WithLabelValues("ok").Inc()
	return server.Str, nil
}
