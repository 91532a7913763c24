package commands_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/cmd/wiseflow/commands"
	"github.com/TeamWiseflow/wiseflow-go/pkg/mining"
	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
)

// writeConfigFile writes a minimal config pointing the store at storeDir.
func writeConfigFile(t *testing.T, storeDir string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wiseflow.yaml")
	body := fmt.Sprintf("store:\n  dir: %s\n", storeDir)

	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

// newRoot builds a command tree with the persistent --config flag the
// subcommands read, mirroring main.
func newRoot(configPath string) *cobra.Command {
	root := &cobra.Command{Use: "wiseflow", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", configPath, "config file path")
	root.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	root.AddCommand(commands.NewTaskCommand())
	root.AddCommand(commands.NewPipelineCommand())

	return root
}

func openManager(t *testing.T, storeDir string) *mining.Manager {
	t.Helper()

	fileStore, err := store.Open(storeDir)
	require.NoError(t, err)

	return mining.NewManager(mining.Config{Store: fileStore})
}

func TestPipelineApplyCreatesTasksAndEdges(t *testing.T) {
	storeDir := t.TempDir()

	pipelinePath := filepath.Join(t.TempDir(), "pipeline.yaml")
	pipeline := `tasks:
  - name: crawl
    type: web
    priority: 3
    params:
      urls: ["https://example.com/a"]
  - name: digest
    type: web
    params:
      urls: ["https://example.com/b"]
edges:
  - source: crawl
    target: digest
    type: feed
`
	require.NoError(t, os.WriteFile(pipelinePath, []byte(pipeline), 0o644))

	root := newRoot(writeConfigFile(t, storeDir))
	root.SetArgs([]string{"pipeline", "apply", "-f", pipelinePath})
	require.NoError(t, root.Execute())

	manager := openManager(t, storeDir)

	tasks, err := manager.ListTasks("")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	idByName := map[string]string{}
	for _, task := range tasks {
		idByName[task.Name] = task.TaskID
		assert.Equal(t, mining.StatusActive, task.Status)
	}

	edges, edgesErr := manager.Interconnections(idByName["crawl"])
	require.NoError(t, edgesErr)
	require.Len(t, edges, 1)
	assert.Equal(t, mining.InterconnectFeed, edges[0].Type)
	assert.Equal(t, idByName["digest"], edges[0].TargetTaskID)
}

func TestPipelineApplyRejectsUndeclaredEdgeEndpoint(t *testing.T) {
	pipelinePath := filepath.Join(t.TempDir(), "pipeline.yaml")
	pipeline := `tasks:
  - name: crawl
    type: web
    params:
      urls: ["https://example.com/a"]
edges:
  - source: crawl
    target: missing
    type: feed
`
	require.NoError(t, os.WriteFile(pipelinePath, []byte(pipeline), 0o644))

	root := newRoot(writeConfigFile(t, t.TempDir()))
	root.SetArgs([]string{"pipeline", "apply", "-f", pipelinePath})

	err := root.Execute()
	require.ErrorIs(t, err, commands.ErrUsage)
}

func TestTaskCleanupRemovesOldTerminalTasks(t *testing.T) {
	storeDir := t.TempDir()
	manager := openManager(t, storeDir)

	stale := &mining.Task{
		Name:         "stale",
		TaskType:     mining.TypeWeb,
		SearchParams: map[string]any{"urls": []string{"https://example.com"}},
	}
	require.NoError(t, manager.CreateTask(stale))
	require.NoError(t, manager.CancelTask(stale.TaskID))

	alive := &mining.Task{
		Name:         "alive",
		TaskType:     mining.TypeWeb,
		SearchParams: map[string]any{"urls": []string{"https://example.com"}},
	}
	require.NoError(t, manager.CreateTask(alive))

	root := newRoot(writeConfigFile(t, storeDir))
	root.SetArgs([]string{"task", "cleanup", "--age", "0s"})
	require.NoError(t, root.Execute())

	remaining, err := openManager(t, storeDir).ListTasks("")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "alive", remaining[0].Name)
}
