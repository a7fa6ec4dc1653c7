package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/svcgroup"
)

var defaultMemberNames = []string{"ledger", "inventory", "audit"}

// manifest lists the members hosted by every replica of a partition. Ids are
// kept as strings so a hand-written manifest may leave them out.
type manifest struct {
	Partition string           `yaml:"partition,omitempty"`
	Members   []manifestMember `yaml:"members"`
}

type manifestMember struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id,omitempty"`
}

func newManifest(names []string) (*manifest, error) {
	m := &manifest{}
	for _, name := range names {
		m.Members = append(m.Members, manifestMember{Name: name})
	}
	if err := m.fill(); err != nil {
		return nil, err
	}
	return m, nil
}

// fill assigns time ordered ids to the partition and to every member that
// has none.
func (m *manifest) fill() error {
	if strings.TrimSpace(m.Partition) == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("manifest: partition id: %w", err)
		}
		m.Partition = id.String()
	}
	for i := range m.Members {
		if strings.TrimSpace(m.Members[i].ID) != "" {
			continue
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("manifest: member %q id: %w", m.Members[i].Name, err)
		}
		m.Members[i].ID = id.String()
	}
	return nil
}

// specs resolves the manifest into member specs; build supplies the member
// for each name.
func (m *manifest) specs(build func(name string) svcgroup.MemberSpec) (uuid.UUID, []svcgroup.MemberSpec, error) {
	partition, err := uuid.Parse(m.Partition)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("manifest: partition id %q: %w", m.Partition, err)
	}
	if len(m.Members) == 0 {
		return uuid.Nil, nil, fmt.Errorf("manifest: no members")
	}
	out := make([]svcgroup.MemberSpec, 0, len(m.Members))
	for _, mm := range m.Members {
		id, err := uuid.Parse(mm.ID)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("manifest: member %q id %q: %w", mm.Name, mm.ID, err)
		}
		spec := build(mm.Name)
		spec.Name = mm.Name
		spec.ID = id
		out = append(out, spec)
	}
	return partition, out, nil
}

func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %q: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %q: %w", path, err)
	}
	if err := m.fill(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *manifest) save(path string) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("manifest: write %q: %w", path, err)
	}
	return nil
}

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage member manifests",
	}
	cmd.AddCommand(newManifestInitCommand())
	return cmd
}

func newManifestInitCommand() *cobra.Command {
	var (
		members []string
		out     string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a manifest with generated partition and member ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			names := members
			if len(names) == 0 {
				names = defaultMemberNames
			}
			m, err := newManifest(names)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				raw, err := yaml.Marshal(m)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("manifest: %q exists (use --force to overwrite)", out)
				}
			}
			if err := m.save(out); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d members)\n", out, len(m.Members))
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&members, "member", nil, "member name (repeatable; defaults to "+strings.Join(defaultMemberNames, ", ")+")")
	flags.StringVarP(&out, "output", "o", "", "manifest path (stdout when empty)")
	flags.BoolVar(&force, "force", false, "overwrite an existing manifest")
	return cmd
}
