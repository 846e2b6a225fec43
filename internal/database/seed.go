package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is a fixture file for local and staging environments.  Teams normally
// arrive from the registration platform; seeding stands in for that feed.
type Seed struct {
	Teams     []SeedTeam     `yaml:"teams"`
	Resources []SeedResource `yaml:"resources"`
}

// SeedTeam is one team and its members.  The leader represents the team.
type SeedTeam struct {
	ID      uint64   `yaml:"id"`
	Name    string   `yaml:"name"`
	Leader  uint64   `yaml:"leader"`
	Members []uint64 `yaml:"members"`
}

// SeedResource is one challenge slot.
type SeedResource struct {
	Domain   string `yaml:"domain"`
	Title    string `yaml:"title"`
	Capacity int    `yaml:"capacity"`
}

// ParseSeed decodes and validates a seed document.  Unknown keys are errors
// so a typo does not silently drop data.
func ParseSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Seed{}, err
	}
	return s, nil
}

// Validate checks ids, names and capacities.
func (s Seed) Validate() error {
	teams := make(map[uint64]bool, len(s.Teams))
	users := make(map[uint64]uint64)
	for i, t := range s.Teams {
		switch {
		case t.ID == 0:
			return fmt.Errorf("teams[%d]: id is required", i)
		case strings.TrimSpace(t.Name) == "":
			return fmt.Errorf("teams[%d]: name is required", i)
		case t.Leader == 0:
			return fmt.Errorf("teams[%d]: leader is required", i)
		case teams[t.ID]:
			return fmt.Errorf("teams[%d]: duplicate id %d", i, t.ID)
		}
		teams[t.ID] = true
		for _, u := range append([]uint64{t.Leader}, t.Members...) {
			if other, ok := users[u]; ok && !(other == t.ID && u == t.Leader) {
				return fmt.Errorf("teams[%d]: user %d already belongs to team %d", i, u, other)
			}
			users[u] = t.ID
		}
	}
	units := make(map[string]bool, len(s.Resources))
	for i, r := range s.Resources {
		key := strings.TrimSpace(r.Domain) + "\x00" + strings.TrimSpace(r.Title)
		switch {
		case strings.TrimSpace(r.Domain) == "" || strings.TrimSpace(r.Title) == "":
			return fmt.Errorf("resources[%d]: domain and title are required", i)
		case r.Capacity < 0:
			return fmt.Errorf("resources[%d]: capacity must not be negative", i)
		case units[key]:
			return fmt.Errorf("resources[%d]: duplicate %s/%s", i, r.Domain, r.Title)
		}
		units[key] = true
	}
	return nil
}

// Apply writes the seed in one transaction.  Re-applying is safe: names and
// capacities are updated in place and assigned counts are left alone.
func (s Seed) Apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, t := range s.Teams {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO teams (id, name) VALUES (?,?) ON DUPLICATE KEY UPDATE name=VALUES(name)`,
			t.ID, strings.TrimSpace(t.Name)); err != nil {
			return fmt.Errorf("team %d: %w", t.ID, err)
		}
		if err := upsertMember(ctx, tx, t.ID, t.Leader, "LEADER"); err != nil {
			return err
		}
		for _, u := range t.Members {
			if u == t.Leader {
				continue
			}
			if err := upsertMember(ctx, tx, t.ID, u, "MEMBER"); err != nil {
				return err
			}
		}
	}
	for _, r := range s.Resources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resource_units (domain, title, capacity) VALUES (?,?,?)
			 ON DUPLICATE KEY UPDATE capacity=GREATEST(VALUES(capacity), assigned_count)`,
			strings.TrimSpace(r.Domain), strings.TrimSpace(r.Title), r.Capacity); err != nil {
			return fmt.Errorf("resource %s/%s: %w", r.Domain, r.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func upsertMember(ctx context.Context, tx *sql.Tx, teamID, userID uint64, role string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO team_members (team_id, user_id, role) VALUES (?,?,?) ON DUPLICATE KEY UPDATE role=VALUES(role)`,
		teamID, userID, role)
	if err != nil {
		return fmt.Errorf("team %d member %d: %w", teamID, userID, err)
	}
	return nil
}
