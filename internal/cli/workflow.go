package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kandev/fleetctl/internal/workflow"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Define, execute, and inspect workflows",
}

var workflowDefineCmd = &cobra.Command{
	Use:   "define <file>",
	Short: "Define a workflow from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowDefine,
}

var workflowExecuteCmd = &cobra.Command{
	Use:   "execute <workflow-id>",
	Short: "Start a new execution of a defined workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowExecute,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show a workflow execution's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowDefineCmd, workflowExecuteCmd, workflowStatusCmd)
}

func runWorkflowDefine(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadDefinitionFile(args[0])
	if err != nil {
		return callerErr("%v", err)
	}

	var resp struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := newAPIClient().post("/workflows", def, &resp); err != nil {
		return err
	}
	fmt.Printf("workflow defined: %s\n", resp.WorkflowID)
	return nil
}

func runWorkflowExecute(cmd *cobra.Command, args []string) error {
	req := v1.ExecuteWorkflowRequest{WorkflowID: args[0]}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := newAPIClient().post("/workflows/"+args[0]+"/executions", req, &resp); err != nil {
		return err
	}
	fmt.Printf("execution started: %s\n", resp.ExecutionID)
	return nil
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	var exec v1.WorkflowExecution
	if err := newAPIClient().get("/executions/"+args[0], &exec); err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", exec.ID)
	fmt.Printf("Workflow:  %s\n", exec.WorkflowID)
	fmt.Printf("State:     %s\n", exec.State)
	fmt.Println("Steps:")
	for id, step := range exec.Steps {
		fmt.Printf("  %-20s %s\n", id, step.State)
	}
	return nil
}
