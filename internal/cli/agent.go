package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "List and manage registered agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered agent and its status",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentRestartCmd = &cobra.Command{
	Use:   "restart <agent-id>",
	Short: "Restart an agent's bridge and terminal session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRestart,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentListCmd, agentRestartCmd)
}

type agentStatusEntry struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Agents []agentStatusEntry `json:"agents"`
	}
	if err := newAPIClient().get("/agents", &resp); err != nil {
		return err
	}

	if len(resp.Agents) == 0 {
		fmt.Println("No registered agents found.")
		return nil
	}

	sort.Slice(resp.Agents, func(i, j int) bool { return resp.Agents[i].AgentID < resp.Agents[j].AgentID })

	fmt.Printf("%-30s %s\n", "AGENT", "STATUS")
	for _, a := range resp.Agents {
		fmt.Printf("%-30s %s\n", a.AgentID, a.Status)
	}
	return nil
}

func runAgentRestart(cmd *cobra.Command, args []string) error {
	var entry agentStatusEntry
	if err := newAPIClient().post("/agents/"+args[0]+"/restart", nil, &entry); err != nil {
		return err
	}
	fmt.Printf("agent %s restarted, status: %s\n", entry.AgentID, entry.Status)
	return nil
}
