// Package directory resolves a dashboard domain into the base servers and
// management device a node should use.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var (
	ErrNotFound = errors.New("directory: domain not found")
	ErrNoBase   = errors.New("directory: no base servers")
)

// Directory is what a dashboard domain tells a node.
type Directory struct {
	Domain      string            `json:"domain"`
	BaseServers []string          `json:"base_servers"`
	WebsetupID  identity.DeviceID `json:"websetup_id"`
}

func (d Directory) clone() Directory {
	d.BaseServers = append([]string(nil), d.BaseServers...)
	return d
}

// Resolver looks a dashboard domain up. Implementations can be backed by a
// static list, DNS, or an HTTPS license endpoint.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (Directory, error)
}

// Static is an in-memory resolver, useful for configuration driven
// deployments, tests and examples.
type Static struct {
	mu      sync.RWMutex
	entries map[string]Directory
}

func NewStatic(dirs ...Directory) *Static {
	s := &Static{entries: map[string]Directory{}}
	for _, d := range dirs {
		_ = s.Announce(d)
	}
	return s
}

func (s *Static) Announce(d Directory) error {
	if len(d.BaseServers) == 0 {
		return ErrNoBase
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.Domain] = d.clone()
	return nil
}

func (s *Static) Resolve(ctx context.Context, domain string) (Directory, error) {
	if err := ctx.Err(); err != nil {
		return Directory{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[domain]
	if !ok {
		return Directory{}, ErrNotFound
	}
	return d.clone(), nil
}

// Settings is the part of config.Store the cache needs.
type Settings interface {
	Setting(name string) (string, bool, error)
	SetSetting(name, value string) error
}

const cacheSetting = "directory_cache"

// Cached remembers the last successful resolution in Settings and answers
// from it when the inner resolver fails, so a node restarts without its
// dashboard being reachable.
type Cached struct {
	inner    Resolver
	settings Settings
	logger   *zap.Logger
}

func NewCached(inner Resolver, settings Settings, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, settings: settings, logger: logger.Named("directory")}
}

func (c *Cached) Resolve(ctx context.Context, domain string) (Directory, error) {
	d, err := c.inner.Resolve(ctx, domain)
	if err == nil {
		if b, merr := json.Marshal(d); merr == nil {
			if serr := c.settings.SetSetting(cacheSetting, string(b)); serr != nil {
				c.logger.Warn("caching directory", zap.Error(serr))
			}
		}
		return d, nil
	}

	raw, ok, serr := c.settings.Setting(cacheSetting)
	if serr != nil || !ok {
		return Directory{}, oops.Wrapf(err, "resolve %s", domain)
	}
	var cached Directory
	if jerr := json.Unmarshal([]byte(raw), &cached); jerr != nil || cached.Domain != domain {
		return Directory{}, oops.Wrapf(err, "resolve %s", domain)
	}
	c.logger.Warn("using cached directory", zap.String("domain", domain), zap.Error(err))
	return cached, nil
}
