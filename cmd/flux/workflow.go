package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fluxhq/flux/pkg/client"
	"github.com/fluxhq/flux/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows and their executions",
}

var workflowRegisterCmd = &cobra.Command{
	Use:   "register NAME SOURCE_FILE",
	Short: "Register a workflow version in the catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, sourcePath := args[0], args[1]
		source, err := os.ReadFile(sourcePath)
		if err != nil {
			return err
		}

		opts := client.RegisterWorkflowOptions{}
		memory, _ := cmd.Flags().GetInt64("memory")
		cpu, _ := cmd.Flags().GetInt64("cpu")
		gpu, _ := cmd.Flags().GetBool("gpu")
		packages, _ := cmd.Flags().GetStringSlice("packages")
		if memory > 0 || cpu > 0 || gpu || len(packages) > 0 {
			opts.ResourceRequest = &types.ResourceRequest{
				MemoryBytes: memory,
				CPUShares:   cpu,
				GPU:         gpu,
				Packages:    packages,
			}
		}
		opts.SecretRequests, _ = cmd.Flags().GetStringSlice("secrets")
		opts.OutputStorage, _ = cmd.Flags().GetString("output-storage")

		entry, err := apiClient().RegisterWorkflow(context.Background(), name, filepath.Base(sourcePath), source, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Registered workflow '%s' version %d\n", entry.Name, entry.Version)
		return nil
	},
}

var workflowRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(cmd)
		if err != nil {
			return err
		}
		mode, _ := cmd.Flags().GetString("mode")
		version, _ := cmd.Flags().GetInt("version")

		exec, err := apiClient().Run(context.Background(), args[0], version, input, client.RunMode(mode))
		if err != nil {
			return err
		}
		printExecution(exec)
		if exec.State == types.ExecutionStateFailed {
			return fmt.Errorf("execution %s failed", exec.ID)
		}
		return nil
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume NAME EXECUTION_ID",
	Short: "Resume a paused execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(cmd)
		if err != nil {
			return err
		}
		mode, _ := cmd.Flags().GetString("mode")

		exec, err := apiClient().Resume(context.Background(), args[0], args[1], input, client.RunMode(mode))
		if err != nil {
			return err
		}
		printExecution(exec)
		if exec.State == types.ExecutionStateFailed {
			return fmt.Errorf("execution %s failed", exec.ID)
		}
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status NAME EXECUTION_ID",
	Short: "Show an execution's state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		status, err := apiClient().Status(context.Background(), args[0], args[1], detailed)
		if err != nil {
			return err
		}
		printExecution(status.Execution)
		if detailed {
			fmt.Println("\nEvents:")
			for _, ev := range status.Events {
				value := ""
				if len(ev.Value) > 0 {
					value = truncate(string(ev.Value), 80)
				}
				fmt.Printf("  %4d  %-24s  %-40s  %s\n", ev.Seq, ev.Type, ev.SourceID, value)
			}
		}
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel NAME EXECUTION_ID",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := apiClient().Cancel(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		printExecution(exec)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := apiClient().ListWorkflows(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%-30s %-8s %-20s %s\n", "NAME", "VERSION", "CREATED", "SECRETS")
		for _, entry := range entries {
			fmt.Printf("%-30s %-8d %-20s %s\n",
				entry.Name, entry.Version,
				entry.CreatedAt.Format("2006-01-02 15:04:05"),
				strings.Join(entry.SecretRequests, ","))
		}
		return nil
	},
}

var executionCmd = &cobra.Command{
	Use:   "execution",
	Short: "Inspect executions",
}

var executionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		workflow, _ := cmd.Flags().GetString("workflow")
		execs, err := apiClient().ListExecutions(context.Background(), state, workflow)
		if err != nil {
			return err
		}
		fmt.Printf("%-38s %-24s %-12s %-20s %s\n", "ID", "WORKFLOW", "STATE", "CREATED", "WORKER")
		for _, exec := range execs {
			fmt.Printf("%-38s %-24s %-12s %-20s %s\n",
				exec.ID, exec.WorkflowName, exec.State,
				exec.CreatedAt.Format("2006-01-02 15:04:05"),
				exec.CurrentWorker)
		}
		return nil
	},
}

var executionEventsCmd = &cobra.Command{
	Use:   "events EXECUTION_ID",
	Short: "Follow an execution's event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient().StreamEvents(context.Background(), args[0], func(ev *types.Event) error {
			value := ""
			if len(ev.Value) > 0 {
				value = truncate(string(ev.Value), 100)
			}
			fmt.Printf("%4d  %-24s  %-40s  %s\n", ev.Seq, ev.Type, ev.SourceID, value)
			return nil
		})
	},
}

func init() {
	workflowCmd.AddCommand(workflowRegisterCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowListCmd)

	executionCmd.AddCommand(executionListCmd)
	executionCmd.AddCommand(executionEventsCmd)

	workflowRegisterCmd.Flags().Int64("memory", 0, "Requested memory in bytes")
	workflowRegisterCmd.Flags().Int64("cpu", 0, "Requested CPU shares (1024 per core)")
	workflowRegisterCmd.Flags().Bool("gpu", false, "Require a GPU")
	workflowRegisterCmd.Flags().StringSlice("packages", nil, "Required packages")
	workflowRegisterCmd.Flags().StringSlice("secrets", nil, "Secret names the workflow needs")
	workflowRegisterCmd.Flags().String("output-storage", "", "Output storage kind for large results")

	for _, c := range []*cobra.Command{workflowRunCmd, workflowResumeCmd} {
		c.Flags().String("input", "", "JSON input payload")
		c.Flags().String("input-file", "", "Read JSON input from a file")
		c.Flags().String("mode", "sync", "Run mode: sync or async")
	}
	workflowRunCmd.Flags().Int("version", 0, "Workflow version (0 = latest)")
	workflowStatusCmd.Flags().Bool("detailed", false, "Include the event log")

	executionListCmd.Flags().String("state", "", "Filter by state")
	executionListCmd.Flags().String("workflow", "", "Filter by workflow name")
}

func readInput(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("input")
	file, _ := cmd.Flags().GetString("input-file")
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	if inline == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(inline)) {
		return nil, fmt.Errorf("--input is not valid JSON")
	}
	return json.RawMessage(inline), nil
}

func printExecution(exec *types.Execution) {
	fmt.Printf("Execution: %s\n", exec.ID)
	fmt.Printf("  Workflow: %s\n", exec.WorkflowName)
	fmt.Printf("  State:    %s\n", exec.State)
	if len(exec.Output) > 0 {
		pretty, err := json.MarshalIndent(json.RawMessage(exec.Output), "  ", "  ")
		if err == nil {
			fmt.Printf("  Output:   %s\n", pretty)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
