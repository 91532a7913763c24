package commands

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/TeamWiseflow/wiseflow-go/pkg/mining"
	"github.com/TeamWiseflow/wiseflow-go/pkg/sysprobe"
)

// NewMonitorCommand returns the "monitor" command: a one-shot snapshot of
// system resources and the persisted task population.
func NewMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Show a resource and task snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			probe := sysprobe.New(sysprobe.Config{})
			sample := probe.TakeSample()

			resources := table.NewWriter()
			resources.SetOutputMirror(os.Stdout)
			resources.AppendHeader(table.Row{"RESOURCE", "USAGE"})
			resources.AppendRow(table.Row{"cpu", fmt.Sprintf("%.1f%%", sample.CPUPct)})
			resources.AppendRow(table.Row{"memory", fmt.Sprintf("%.1f%%", sample.MemPct)})
			resources.AppendRow(table.Row{"disk", fmt.Sprintf("%.1f%%", sample.DiskPct)})
			resources.AppendRow(table.Row{"io", fmt.Sprintf("%.1f%%", sample.IOPct)})
			resources.Render()

			fileStore, storeErr := openStore(cfg, nil)
			if storeErr != nil {
				return storeErr
			}

			manager := mining.NewManager(mining.Config{Store: fileStore})

			tasks, listErr := manager.ListTasks("")
			if listErr != nil {
				return fmt.Errorf("list tasks: %w", listErr)
			}

			counts := map[mining.TaskStatus]int{}
			for _, task := range tasks {
				counts[task.Status]++
			}

			statuses := table.NewWriter()
			statuses.SetOutputMirror(os.Stdout)
			statuses.AppendHeader(table.Row{"STATUS", "TASKS"})

			for _, status := range []mining.TaskStatus{
				mining.StatusActive, mining.StatusRunning, mining.StatusCompleted,
				mining.StatusError, mining.StatusCancelled,
			} {
				if counts[status] > 0 {
					statuses.AppendRow(table.Row{status, counts[status]})
				}
			}

			statuses.AppendFooter(table.Row{"total", len(tasks)})
			statuses.Render()

			return nil
		},
	}
}
