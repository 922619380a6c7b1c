package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/fleet"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply tenant and campaign manifests",
	Long: `Apply Drover manifests from a YAML file. A file may hold multiple
documents separated by ---.

Examples:
  # Register a tenant
  drover apply -f tenant.yaml

  # Seed a tenant and its campaigns in one file
  drover apply -f fabric.yaml

Manifests are written straight into the data directory; run apply
before starting the server, or against a stopped one. A running server
picks up new tenants on its next restart.`,
	SilenceUsage: true,
	RunE:         runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("data-dir", "", "data directory (default $DROVER_DATA_DIR)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is one YAML document. Kind selects the spec shape.
type manifest struct {
	Kind     string `yaml:"kind"`
	Metadata struct {
		Name   string            `yaml:"name"`
		Labels map[string]string `yaml:"labels,omitempty"`
	} `yaml:"metadata"`
	Spec yaml.Node `yaml:"spec"`
}

type tenantSpec struct {
	Overrides *types.TenantOverrides `yaml:"overrides,omitempty"`
}

type campaignSpec struct {
	Tenant     string   `yaml:"tenant"`
	Goals      []string `yaml:"goals"`
	BudgetUSDC float64  `yaml:"budgetUSDC"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = os.Getenv("DROVER_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = config.DefaultDataDir
	}

	raw, err := os.Open(filename)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("open manifest: %w", err)}
	}
	defer raw.Close()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &exitError{code: exitStore, err: fmt.Errorf("create data dir: %w", err)}
	}
	s, err := store.NewBoltStore(dataDir)
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}
	defer s.Close()

	dec := yaml.NewDecoder(raw)
	applied := 0
	for {
		var m manifest
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return &exitError{code: exitConfig, err: fmt.Errorf("parse manifest: %w", err)}
		}
		if m.Kind == "" && m.Metadata.Name == "" {
			continue // blank document
		}
		if m.Metadata.Name == "" {
			return &exitError{code: exitConfig, err: fmt.Errorf("%s manifest missing metadata.name", m.Kind)}
		}

		switch m.Kind {
		case "Tenant":
			err = applyTenant(s, &m)
		case "Campaign":
			err = applyCampaign(s, &m)
		default:
			err = &exitError{code: exitConfig, err: fmt.Errorf("unsupported manifest kind: %q", m.Kind)}
		}
		if err != nil {
			return err
		}
		applied++
	}

	fmt.Printf("✓ Applied %d manifest(s)\n", applied)
	return nil
}

func applyTenant(s store.Store, m *manifest) error {
	var spec tenantSpec
	if !m.Spec.IsZero() {
		if err := m.Spec.Decode(&spec); err != nil {
			return &exitError{code: exitConfig, err: fmt.Errorf("tenant %s spec: %w", m.Metadata.Name, err)}
		}
	}
	t := &types.Tenant{
		ID:        m.Metadata.Name,
		Name:      m.Metadata.Name,
		Labels:    m.Metadata.Labels,
		Overrides: spec.Overrides,
	}
	if err := fleet.SaveManifest(s, t); err != nil {
		return &exitError{code: exitStore, err: fmt.Errorf("save tenant %s: %w", t.ID, err)}
	}
	fmt.Printf("✓ Tenant registered: %s\n", t.ID)
	return nil
}

// applyCampaign creates the campaign, or appends any new goals when it
// already exists. The budget is set only at creation; a re-apply never
// refills a running campaign.
func applyCampaign(s store.Store, m *manifest) error {
	var spec campaignSpec
	if err := m.Spec.Decode(&spec); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("campaign %s spec: %w", m.Metadata.Name, err)}
	}
	if spec.Tenant == "" {
		return &exitError{code: exitConfig, err: fmt.Errorf("campaign %s missing spec.tenant", m.Metadata.Name)}
	}

	mgr := campaign.NewManager(s)
	err := mgr.Create(&types.CampaignState{
		CampaignID:      m.Metadata.Name,
		TenantID:        spec.Tenant,
		Goals:           spec.Goals,
		BudgetRemaining: spec.BudgetUSDC,
	})
	switch {
	case err == nil:
		fmt.Printf("✓ Campaign created: %s/%s (budget %.2f USDC)\n", spec.Tenant, m.Metadata.Name, spec.BudgetUSDC)
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		existing, getErr := mgr.Get(spec.Tenant, m.Metadata.Name)
		if getErr != nil {
			return &exitError{code: exitStore, err: getErr}
		}
		fresh := newGoals(existing.Goals, spec.Goals)
		if len(fresh) == 0 {
			fmt.Printf("✓ Campaign unchanged: %s/%s\n", spec.Tenant, m.Metadata.Name)
			return nil
		}
		if _, err := mgr.AppendGoals(spec.Tenant, m.Metadata.Name, fresh, config.DefaultOCCMaxRetries); err != nil {
			return &exitError{code: exitStore, err: err}
		}
		fmt.Printf("✓ Campaign updated: %s/%s (+%d goals)\n", spec.Tenant, m.Metadata.Name, len(fresh))
		return nil
	default:
		return &exitError{code: exitStore, err: err}
	}
}

func newGoals(existing, proposed []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, g := range existing {
		seen[g] = struct{}{}
	}
	var fresh []string
	for _, g := range proposed {
		if _, dup := seen[g]; !dup {
			fresh = append(fresh, g)
		}
	}
	return fresh
}
