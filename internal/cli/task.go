package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task to the priority queue",
	Args:  cobra.NoArgs,
	RunE:  runTaskSubmit,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskCancelCmd)

	taskSubmitCmd.Flags().String("name", "", "task name")
	taskSubmitCmd.Flags().String("agent", "", "target agent id")
	taskSubmitCmd.Flags().String("shell", "", "shell command to run")
	taskSubmitCmd.Flags().String("priority", "NORMAL", "priority: CRITICAL, HIGH, NORMAL, LOW, BACKGROUND")
	taskSubmitCmd.Flags().StringSlice("depends-on", nil, "task ids this task depends on")
	taskSubmitCmd.Flags().Int("max-retries", 0, "maximum retry attempts")
	taskSubmitCmd.Flags().Int("timeout", 0, "task timeout in seconds")
	_ = taskSubmitCmd.MarkFlagRequired("name")
	_ = taskSubmitCmd.MarkFlagRequired("agent")
	_ = taskSubmitCmd.MarkFlagRequired("shell")
}

func parsePriority(s string) (v1.Priority, error) {
	switch s {
	case "CRITICAL":
		return v1.PriorityCritical, nil
	case "HIGH":
		return v1.PriorityHigh, nil
	case "NORMAL":
		return v1.PriorityNormal, nil
	case "LOW":
		return v1.PriorityLow, nil
	case "BACKGROUND":
		return v1.PriorityBackground, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	agent, _ := cmd.Flags().GetString("agent")
	shell, _ := cmd.Flags().GetString("shell")
	priorityStr, _ := cmd.Flags().GetString("priority")
	dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	timeout, _ := cmd.Flags().GetInt("timeout")

	priority, err := parsePriority(priorityStr)
	if err != nil {
		return callerErr("%w", err)
	}

	req := v1.SubmitTaskRequest{
		Name:  name,
		Agent: agent,
		Payload: v1.Payload{
			Kind:  v1.CommandShell,
			Lines: []string{shell},
		},
		Priority:       priority,
		DependsOn:      dependsOn,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
	}

	var task v1.TaskStatus
	if err := newAPIClient().post("/tasks", req, &task); err != nil {
		return err
	}
	fmt.Printf("task submitted: %s (%s)\n", task.TaskID, task.State)
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	var task v1.TaskStatus
	if err := newAPIClient().get("/tasks/"+args[0], &task); err != nil {
		return err
	}
	printTaskStatus(&task)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	var out map[string]any
	if err := newAPIClient().post("/tasks/"+args[0]+"/cancel", nil, &out); err != nil {
		return err
	}
	fmt.Printf("task %s cancelled\n", args[0])
	return nil
}

func printTaskStatus(t *v1.TaskStatus) {
	fmt.Printf("Task:     %s\n", t.TaskID)
	fmt.Printf("Name:     %s\n", t.Name)
	fmt.Printf("Agent:    %s\n", t.Agent)
	fmt.Printf("State:    %s\n", t.State)
	fmt.Printf("Priority: %s\n", t.Priority)
	fmt.Printf("Retries:  %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
	if t.StartedAt != nil {
		fmt.Printf("Started:  %s\n", t.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", t.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}
