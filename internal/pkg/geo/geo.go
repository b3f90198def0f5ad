// Package geo resolves a client IP to a two-letter country code using an
// ordered chain of HTTP lookup services.
package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tidwall/gjson"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// ErrNoCountry is returned by a provider whose answer carries no usable code.
var ErrNoCountry = errors.New("no country code in response")

// Provider looks up the country for an IP. An empty ip means "the caller".
type Provider interface {
	Country(ctx context.Context, ip string) (string, error)
}

// HTTPProvider GETs URLTemplate with {ip} substituted and reads the code at JSONPath.
type HTTPProvider struct {
	Name        string
	URLTemplate string
	JSONPath    string
	Client      *http.Client
}

func (p *HTTPProvider) Country(ctx context.Context, ip string) (string, error) {
	u := strings.ReplaceAll(p.URLTemplate, "{ip}", ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.Name, err)
	}
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", p.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%s: read: %w", p.Name, err)
	}

	code := normalize(gjson.GetBytes(body, p.JSONPath).String())
	if code == "" {
		return "", fmt.Errorf("%s: %w", p.Name, ErrNoCountry)
	}
	return code, nil
}

// Resolver tries each provider in order under its own deadline and falls
// back to Default. It never fails.
type Resolver struct {
	Providers []Provider
	Default   string
	Timeout   time.Duration
}

func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	for _, p := range r.Providers {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		code, err := p.Country(callCtx, ip)
		cancel()
		if err == nil {
			if code = normalize(code); code != "" {
				return code
			}
		}
		log.Debugf("[Geo] Provider failed for %q: %v", ip, err)
		if ctx.Err() != nil {
			break
		}
	}
	return normalize(r.Default)
}

// normalize returns an upper-cased two-letter code or "".
func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return ""
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
	}
	return code
}

// DefaultProviders is the built-in chain: ipapi.co, then ipwho.is.
func DefaultProviders(client *http.Client) []Provider {
	return []Provider{
		&HTTPProvider{Name: "ipapi", URLTemplate: "https://ipapi.co/{ip}/json/", JSONPath: "country_code", Client: client},
		&HTTPProvider{Name: "ipwhois", URLTemplate: "https://ipwho.is/{ip}", JSONPath: "country_code", Client: client},
	}
}

// NewResolverFromEnv builds the resolver from GEO_PROVIDERS, a comma separated
// list of name|url-template|json-path triples. Empty uses DefaultProviders.
func NewResolverFromEnv() *Resolver {
	client := &http.Client{Timeout: 5 * time.Second}
	providers := ParseProviders(env.GetEnv("GEO_PROVIDERS", ""), client)
	if len(providers) == 0 {
		providers = DefaultProviders(client)
	}
	return &Resolver{
		Providers: providers,
		Default:   env.GetEnv("GEO_DEFAULT_COUNTRY", "US"),
		Timeout:   env.GetEnvDuration("GEO_TIMEOUT", 3*time.Second),
	}
}

// ParseProviders parses the GEO_PROVIDERS format; malformed entries are skipped.
func ParseProviders(raw string, client *http.Client) []Provider {
	var providers []Provider
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			if strings.TrimSpace(entry) != "" {
				log.Warnf("[Geo] Ignoring malformed provider entry %q", entry)
			}
			continue
		}
		providers = append(providers, &HTTPProvider{
			Name:        parts[0],
			URLTemplate: parts[1],
			JSONPath:    parts[2],
			Client:      client,
		})
	}
	return providers
}
