package activation

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/klubi/conduit/internal/provider"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// DefaultScheme is the URL scheme the shell registers for deep links.
const DefaultScheme = "conduit"

// linkHost is the only deep link target understood today.
const linkHost = "extension"

// ParseDeepLink decodes
//
//	<scheme>://extension?cmd=<cmd>&arg=<a>&id=<id>&name=<n>&description=<d>&env=KEY=VALUE
//
// into a stdio system config, or into an sse config when url= is given
// instead of cmd=. Every failure wraps ErrInvalidActivationPayload.
func ParseDeepLink(raw, scheme string) (v1alpha1.SystemConfig, error) {
	var cfg v1alpha1.SystemConfig
	if scheme == "" {
		scheme = DefaultScheme
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return cfg, invalid("malformed link: %v", err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return cfg, invalid("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if host == "" {
		// conduit:extension?... parses as opaque.
		host = u.Opaque
	}
	if host != linkHost {
		return cfg, invalid("unsupported link target %q", host)
	}

	q := u.Query()
	id := q.Get("id")
	if id == "" {
		return cfg, invalid("missing id")
	}
	cmd, sseURL := q.Get("cmd"), q.Get("url")
	switch {
	case cmd != "" && sseURL != "":
		return cfg, invalid("cmd and url are mutually exclusive")
	case cmd != "":
		cfg.Type = v1alpha1.TransportStdio
		cfg.Cmd = cmd
		cfg.Args = q["arg"]
	case sseURL != "":
		cfg.Type = v1alpha1.TransportSSE
		cfg.URL = sseURL
		if len(q["arg"]) > 0 {
			return cfg, invalid("arg is only valid with cmd")
		}
	default:
		return cfg, invalid("one of cmd or url is required")
	}

	cfg.Name = id
	cfg.Description = q.Get("description")
	if cfg.Description == "" {
		cfg.Description = q.Get("name")
	}

	for _, kv := range q["env"] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return cfg, invalid("env entry %q is not KEY=VALUE", kv)
		}
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[key] = value
	}

	if err := provider.Validate(cfg); err != nil {
		return cfg, invalid("%v", err)
	}
	if cfg.Description == "" {
		return cfg, invalid("missing name")
	}
	return cfg, nil
}

// EncodeDeepLink renders cfg as a deep link. Only stdio and sse systems can
// be linked.
func EncodeDeepLink(cfg v1alpha1.SystemConfig, scheme string) (string, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	if err := provider.Validate(cfg); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("id", cfg.Name)
	switch cfg.Type {
	case v1alpha1.TransportStdio:
		q.Set("cmd", cfg.Cmd)
		for _, a := range cfg.Args {
			q.Add("arg", a)
		}
	case v1alpha1.TransportSSE:
		q.Set("url", cfg.URL)
	default:
		return "", fmt.Errorf("%w: %s systems cannot be linked", v1alpha1.ErrInvalidConfig, cfg.Type)
	}
	if cfg.Description != "" {
		q.Set("description", cfg.Description)
	} else {
		q.Set("name", cfg.Name)
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Add("env", k+"="+cfg.Env[k])
	}

	u := url.URL{Scheme: scheme, Host: linkHost, RawQuery: q.Encode()}
	return u.String(), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", v1alpha1.ErrInvalidActivationPayload, fmt.Sprintf(format, args...))
}
