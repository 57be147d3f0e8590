// Package registry imports agents, channel bindings and profiles from YAML
// seed files into the store.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"atlas/internal/config"
	"atlas/internal/domain"
)

// Seed is the on-disk registry document.
//
//	profiles:
//	  - id: 8c1f...
//	    display_name: Ada
//	agents:
//	  - id: planner
//	    name: Planner
//	    type: HOSTED
//	    trigger_prompt: Reply when a plan is requested
//	channels:
//	  - id: general
//	    agents: [planner]
type Seed struct {
	Profiles []domain.Profile `yaml:"profiles"`
	Agents   []domain.Agent   `yaml:"agents"`
	Channels []ChannelBinding `yaml:"channels"`
}

// ChannelBinding lists the agents of a channel in evaluation order.
type ChannelBinding struct {
	ID     string   `yaml:"id"`
	Agents []string `yaml:"agents"`
}

// Summary counts what an import wrote.
type Summary struct {
	Profiles int
	Agents   int
	Bindings int
}

// LoadFile reads and validates a seed file. ${VAR} references are expanded
// so webhook credentials can stay in the environment.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse([]byte(config.ExpandEnvVars(string(data))))
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks agents and that every binding names a known agent.
func (s *Seed) Validate() error {
	known := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if known[a.ID] {
			return fmt.Errorf("%w: duplicate agent id %s", domain.ErrInvalidAgent, a.ID)
		}
		known[a.ID] = true
	}
	for _, p := range s.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile without id")
		}
	}
	for _, ch := range s.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel binding without id")
		}
		for _, id := range ch.Agents {
			if !known[id] {
				return fmt.Errorf("channel %s binds unknown agent %s", ch.ID, id)
			}
		}
	}
	return nil
}

// Apply writes the seed through admin. Agents go first so bindings can
// reference them.
func Apply(ctx context.Context, admin domain.RegistryAdmin, seed *Seed, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	for _, p := range seed.Profiles {
		if err := admin.UpsertProfile(ctx, p); err != nil {
			return sum, err
		}
		sum.Profiles++
	}

	for _, a := range seed.Agents {
		if err := admin.UpsertAgent(ctx, a); err != nil {
			return sum, err
		}
		logger.Info("imported agent", "agent", a.Name, "type", a.Type, "requires_approval", a.RequiresApproval)
		sum.Agents++
	}

	for _, ch := range seed.Channels {
		for pos, id := range ch.Agents {
			if err := admin.BindAgent(ctx, ch.ID, id, pos); err != nil {
				return sum, err
			}
			sum.Bindings++
		}
		logger.Info("bound channel agents", "channel_id", ch.ID, "count", len(ch.Agents))
	}

	return sum, nil
}
