package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TeamWiseflow/wiseflow-go/pkg/mining"
)

// NewTaskCommand returns the "task" command group: list, info, cancel, delete.
func NewTaskCommand() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage persisted mining tasks",
	}

	taskCmd.AddCommand(newTaskListCommand())
	taskCmd.AddCommand(newTaskInfoCommand())
	taskCmd.AddCommand(newTaskCancelCommand())
	taskCmd.AddCommand(newTaskDeleteCommand())
	taskCmd.AddCommand(newTaskCleanupCommand())

	return taskCmd
}

// openManager builds a store-backed mining manager for offline task
// operations; no pool or connectors are wired.
func openManager(cmd *cobra.Command) (*mining.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	fileStore, storeErr := openStore(cfg, nil)
	if storeErr != nil {
		return nil, storeErr
	}

	return mining.NewManager(mining.Config{Store: fileStore}), nil
}

func newTaskListCommand() *cobra.Command {
	var status string

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List mining tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			tasks, listErr := manager.ListTasks(mining.TaskStatus(status))
			if listErr != nil {
				return fmt.Errorf("list tasks: %w", listErr)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "NAME", "TYPE", "STATUS", "RETRIES", "UPDATED"})

			for _, task := range tasks {
				tw.AppendRow(table.Row{
					task.TaskID,
					task.Name,
					task.TaskType,
					task.Status,
					fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries),
					humanize.Time(task.UpdatedAt),
				})
			}

			tw.Render()

			return nil
		},
	}

	listCmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (active, running, completed, error, cancelled)")

	return listCmd
}

func newTaskInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <task-id>",
		Short: "Show one task in full",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			task, getErr := manager.GetTask(args[0])
			if getErr != nil {
				return fmt.Errorf("load task: %w", getErr)
			}

			out, marshalErr := yaml.Marshal(task)
			if marshalErr != nil {
				return fmt.Errorf("render task: %w", marshalErr)
			}

			fmt.Fprint(os.Stdout, string(out))

			return nil
		},
	}
}

func newTaskCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a waiting task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			cancelErr := manager.CancelTask(args[0])
			if cancelErr != nil {
				return fmt.Errorf("cancel task: %w", cancelErr)
			}

			fmt.Fprintf(os.Stdout, "task %s cancelled\n", args[0])

			return nil
		},
	}
}

func newTaskDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its interconnections",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			deleteErr := manager.DeleteTask(args[0])
			if deleteErr != nil {
				return fmt.Errorf("delete task: %w", deleteErr)
			}

			fmt.Fprintf(os.Stdout, "task %s deleted\n", args[0])

			return nil
		},
	}
}

func newTaskCleanupCommand() *cobra.Command {
	var age time.Duration

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal tasks older than --age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			tasks, listErr := manager.ListTasks("")
			if listErr != nil {
				return fmt.Errorf("list tasks: %w", listErr)
			}

			cutoff := time.Now().Add(-age)
			removed := 0

			for _, task := range tasks {
				if !task.Status.Terminal() || task.UpdatedAt.After(cutoff) {
					continue
				}

				deleteErr := manager.DeleteTask(task.TaskID)
				if deleteErr != nil {
					return fmt.Errorf("delete task %s: %w", task.TaskID, deleteErr)
				}

				removed++
			}

			fmt.Fprintf(os.Stdout, "removed %d task(s) older than %s\n", removed, age)

			return nil
		},
	}

	cleanupCmd.Flags().DurationVar(&age, "age", 24*time.Hour, "minimum age of terminal tasks to remove")

	return cleanupCmd
}

// exactArgs validates the positional arg count, tagging mistakes as usage
// errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: expected %d argument(s), got %d", ErrUsage, n, len(args))
		}

		return nil
	}
}
