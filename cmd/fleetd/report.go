package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/relay"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <agent-id> <status>",
		Short: "Report an agent's status to the hub",
		Long: "Report an agent's status to the hub. Progress must not go down while\n" +
			"the agent is working; the hub's stall detection relies on it.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, map[string]string{
				"worker.hub_url":    "hub",
				"worker.machine_id": "machine-id",
			})
			if err != nil {
				return err
			}
			upd, err := statusUpdate(cmd, cfg.Worker.MachineID, args[0], args[1])
			if err != nil {
				return err
			}

			client := relay.NewClient(cfg.Worker.HubURL, cfg.Server.APIKey)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			agent, err := client.UpdateAgentStatus(ctx, upd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "agent %s on %s: %s %d%%\n",
				agent.ID, agent.MachineID, agent.Status, agent.Progress)
			return err
		},
	}
	cmd.Flags().String("hub", "", "hub base URL")
	cmd.Flags().String("machine-id", "", "owning machine id (defaults to worker.machine_id)")
	cmd.Flags().String("name", "", "agent display name")
	cmd.Flags().String("task", "", "current task description")
	cmd.Flags().Int("progress", -1, "progress 0-100")
	cmd.Flags().String("output", "", "latest output line")
	cmd.Flags().Int64("context-used", -1, "context tokens used")
	cmd.Flags().Int64("context-limit", -1, "context token limit")
	return cmd
}

// statusUpdate builds an update from the command's flags; only flags that
// were given are sent.
func statusUpdate(cmd *cobra.Command, machineID, agentID, status string) (*domain.AgentStatusUpdate, error) {
	if machineID == "" {
		return nil, fmt.Errorf("--machine-id or worker.machine_id is required")
	}
	st := domain.AgentStatus(status)
	if !st.Valid() {
		return nil, fmt.Errorf("unknown agent status %q", status)
	}
	upd := &domain.AgentStatusUpdate{AgentID: agentID, MachineID: machineID, Status: st}

	flags := cmd.Flags()
	if flags.Changed("name") {
		upd.Name, _ = flags.GetString("name")
	}
	if flags.Changed("task") {
		task, _ := flags.GetString("task")
		upd.CurrentTask = &task
	}
	if flags.Changed("progress") {
		p, _ := flags.GetInt("progress")
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("progress must be between 0 and 100")
		}
		upd.Progress = &p
	}
	if flags.Changed("output") {
		out, _ := flags.GetString("output")
		upd.LastOutput = &out
	}
	if flags.Changed("context-used") {
		n, _ := flags.GetInt64("context-used")
		upd.ContextUsed = &n
	}
	if flags.Changed("context-limit") {
		n, _ := flags.GetInt64("context-limit")
		upd.ContextLimit = &n
	}
	return upd, nil
}
