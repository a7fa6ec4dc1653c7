package svcgroup

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/internal/kvmember"
)

func validConfig() Config {
	return Config{
		PartitionID: uuid.New(),
		Members: []MemberSpec{
			{Name: "orders", ID: uuid.New(), Member: kvmember.New("orders", nil)},
			{Name: "stock", ID: uuid.New(), Member: kvmember.New("stock", nil)},
		},
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Members[0].Name = "  orders "
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AbortDrainTimeout != DefaultAbortDrainTimeout {
		t.Fatalf("expected default abort drain timeout, got %v", cfg.AbortDrainTimeout)
	}
	if cfg.Members[0].Name != "orders" {
		t.Fatalf("member name not trimmed: %q", cfg.Members[0].Name)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"partition", func(c *Config) { c.PartitionID = uuid.Nil }, "partition id"},
		{"no members", func(c *Config) { c.Members = nil }, "at least one member"},
		{"empty name", func(c *Config) { c.Members[0].Name = " " }, "name is required"},
		{"separator", func(c *Config) { c.Members[0].Name = "a;b" }, "may not contain"},
		{"duplicate name", func(c *Config) { c.Members[1].Name = "orders" }, "duplicate member name"},
		{"nil id", func(c *Config) { c.Members[0].ID = uuid.Nil }, "id is required"},
		{"duplicate id", func(c *Config) { c.Members[1].ID = c.Members[0].ID }, "duplicate member id"},
		{"partition id", func(c *Config) { c.Members[0].ID = c.PartitionID }, "collides"},
		{"nil member", func(c *Config) { c.Members[1].Member = nil }, "implementation is required"},
		{"negative timeout", func(c *Config) { c.AbortDrainTimeout = -1 }, "abort drain timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
