package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/pkg/client"
	"github.com/droverlabs/drover/pkg/types"
)

func init() {
	for _, c := range []*cobra.Command{hitlCmd, statusCmd, goalsCmd} {
		c.PersistentFlags().String("server", "localhost:8080", "Drover API address")
		c.PersistentFlags().String("tenant", "default", "Tenant ID")
	}
	hitlCmd.AddCommand(hitlListCmd, hitlDecideCmd)
	rootCmd.AddCommand(hitlCmd, statusCmd, goalsCmd)

	hitlListCmd.Flags().Int("limit", 50, "Maximum items to list")
	hitlListCmd.Flags().Int("offset", 0, "Items to skip")
	hitlDecideCmd.Flags().String("payload", "", "Replacement output JSON (approve only)")
	hitlDecideCmd.Flags().String("reason", "", "Reason recorded with the verdict")
}

func clientFor(cmd *cobra.Command) (*client.Client, string) {
	addr, _ := cmd.Flags().GetString("server")
	tenant, _ := cmd.Flags().GetString("tenant")
	return client.New(addr), tenant
}

var hitlCmd = &cobra.Command{
	Use:   "hitl",
	Short: "Review and decide escalated tasks",
}

var hitlListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List tasks waiting on an operator",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, tenant := clientFor(cmd)
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		items, err := c.PendingHITL(cmd.Context(), tenant, limit, offset)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No tasks waiting for review.")
			return nil
		}
		for _, item := range items {
			taskType := ""
			if item.Task != nil {
				taskType = string(item.Task.Type)
			}
			fmt.Printf("%s  %-20s  %s  queued %s\n",
				item.TaskID, taskType, item.Reason, item.QueuedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var hitlDecideCmd = &cobra.Command{
	Use:          "decide <task-id> <approve|reject_retry|reject_drop>",
	Short:        "Apply a verdict to an escalated task",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, tenant := clientFor(cmd)
		taskID := args[0]
		verdict := types.HITLVerdict(args[1])
		if !verdict.Valid() {
			return fmt.Errorf("unknown verdict %q (want approve, reject_retry, or reject_drop)", args[1])
		}

		var payload map[string]interface{}
		if raw, _ := cmd.Flags().GetString("payload"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("invalid --payload JSON: %w", err)
			}
		}
		reason, _ := cmd.Flags().GetString("reason")

		if err := c.Decide(cmd.Context(), tenant, taskID, verdict, payload, reason); err != nil {
			return err
		}
		fmt.Printf("✓ %s: %s\n", taskID, verdict)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:          "status",
	Short:        "Show one tenant's fleet snapshot",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, tenant := clientFor(cmd)
		sum, err := c.Summary(cmd.Context(), tenant)
		if err != nil {
			return err
		}

		fmt.Printf("Tenant: %s\n\nComponents:\n", sum.TenantID)
		for _, name := range sortedKeys(sum.Components) {
			fmt.Printf("  %-16s %s\n", name, sum.Components[name])
		}
		fmt.Println("\nQueues:")
		for _, name := range sortedKeys(sum.QueueDepths) {
			fmt.Printf("  %-16s %d\n", name, sum.QueueDepths[name])
		}
		if len(sum.BudgetBurn) > 0 {
			fmt.Println("\nBudget burn today (USDC):")
			for _, agent := range sortedKeys(sum.BudgetBurn) {
				fmt.Printf("  %-16s %.2f\n", agent, sum.BudgetBurn[agent])
			}
		}
		if len(sum.Campaigns) > 0 {
			fmt.Println("\nCampaigns:")
			for _, cs := range sum.Campaigns {
				fmt.Printf("  %-16s v%-4d %d goals, %.2f USDC remaining\n",
					cs.CampaignID, cs.Version, len(cs.Goals), cs.BudgetRemaining)
			}
		}
		return nil
	},
}

var goalsCmd = &cobra.Command{
	Use:          "goals <campaign-id> <goal> [goal...]",
	Short:        "Inject goals into a running campaign",
	Args:         cobra.MinimumNArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, tenant := clientFor(cmd)
		planned, err := c.InjectGoals(cmd.Context(), tenant, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Planned %d task(s) for campaign %s\n", planned, args[0])
		return nil
	},
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
