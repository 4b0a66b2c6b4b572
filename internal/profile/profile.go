// Package profile caches the backend's goal list and user profile so the
// extraction engine and the prioritization scanner can read them without a
// network round trip per invocation.
package profile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
)

// Source is the remote side of the cache.
type Source interface {
	GetGoals(ctx context.Context) ([]model.Goal, error)
	GetUserProfile(ctx context.Context) (*model.UserProfile, error)
	RegenerateProfile(ctx context.Context) (*model.UserProfile, error)
}

const (
	goalsTTL   = 5 * time.Minute
	profileTTL = 24 * time.Hour
)

// Cache holds goals and profile with independent refresh intervals.
type Cache struct {
	source Source
	logger *log.Logger

	mu             sync.Mutex
	goals          []model.Goal
	goalsFetchedAt time.Time
	profile        *model.UserProfile
	profileFetched time.Time
}

// NewCache creates the cache around a backend source. A nil source yields an
// empty cache that never refreshes.
func NewCache(source Source, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{source: source, logger: logger}
}

// Goals returns the cached goal list, refreshing it when older than 5 minutes.
// A refresh failure returns the stale copy.
func (c *Cache) Goals(ctx context.Context) []model.Goal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == nil {
		return nil
	}
	if time.Since(c.goalsFetchedAt) < goalsTTL && c.goals != nil {
		return c.goals
	}
	goals, err := c.source.GetGoals(ctx)
	if err != nil {
		c.logger.Printf("goals refresh failed, serving cached: %v", err)
		return c.goals
	}
	c.goals = goals
	c.goalsFetchedAt = time.Now()
	return c.goals
}

// ProfileText returns the cached profile text, refreshing when older than 24h.
// Empty string means no profile is available.
func (c *Cache) ProfileText(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == nil {
		return ""
	}
	if c.profile != nil && time.Since(c.profileFetched) < profileTTL {
		return c.profile.Text
	}
	p, err := c.source.GetUserProfile(ctx)
	if err != nil {
		c.logger.Printf("profile refresh failed, serving cached: %v", err)
		if c.profile != nil {
			return c.profile.Text
		}
		return ""
	}
	c.profile = p
	c.profileFetched = time.Now()
	if p == nil {
		return ""
	}
	return p.Text
}

// ShouldRegenerate reports whether the profile itself is older than 24h and
// due for a rebuild.
func (c *Cache) ShouldRegenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source == nil {
		return false
	}
	if c.profile == nil {
		return true
	}
	return time.Since(c.profile.GeneratedAt) > profileTTL
}

// Regenerate asks the backend to rebuild the profile and replaces the cached
// copy on success.
func (c *Cache) Regenerate(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	p, err := c.source.RegenerateProfile(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.profile = p
	c.profileFetched = time.Now()
	c.mu.Unlock()
	return nil
}
