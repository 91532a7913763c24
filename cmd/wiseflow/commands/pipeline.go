package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TeamWiseflow/wiseflow-go/pkg/mining"
)

// pipelineFile is the YAML shape accepted by "pipeline apply": a batch of
// tasks plus the interconnections between them, edges referencing tasks by
// name.
type pipelineFile struct {
	Tasks []pipelineTask `yaml:"tasks"`
	Edges []pipelineEdge `yaml:"edges"`
}

type pipelineTask struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Priority    int            `yaml:"priority"`
	MaxRetries  int            `yaml:"max_retries"`
	Params      map[string]any `yaml:"params"`
}

type pipelineEdge struct {
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// NewPipelineCommand returns the "pipeline" command group.
func NewPipelineCommand() *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage task pipelines declared in YAML",
	}

	pipelineCmd.AddCommand(newPipelineApplyCommand())

	return pipelineCmd
}

func newPipelineApplyCommand() *cobra.Command {
	var file string

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Create the tasks and interconnections declared in a pipeline file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("%w: --file is required", ErrUsage)
			}

			raw, readErr := os.ReadFile(file)
			if readErr != nil {
				return fmt.Errorf("read pipeline file: %w", readErr)
			}

			var pipeline pipelineFile

			unmarshalErr := yaml.Unmarshal(raw, &pipeline)
			if unmarshalErr != nil {
				return fmt.Errorf("parse pipeline file: %w", unmarshalErr)
			}

			if len(pipeline.Tasks) == 0 {
				return fmt.Errorf("%w: pipeline declares no tasks", ErrUsage)
			}

			manager, err := openManager(cmd)
			if err != nil {
				return err
			}

			// Edges reference tasks by declared name; ids are assigned at
			// creation.
			idByName := make(map[string]string, len(pipeline.Tasks))

			for _, decl := range pipeline.Tasks {
				if decl.Name == "" {
					return fmt.Errorf("%w: every task needs a name", ErrUsage)
				}

				if _, dup := idByName[decl.Name]; dup {
					return fmt.Errorf("%w: duplicate task name %q", ErrUsage, decl.Name)
				}

				task := &mining.Task{
					Name:         decl.Name,
					TaskType:     mining.TaskType(decl.Type),
					Description:  decl.Description,
					Priority:     decl.Priority,
					MaxRetries:   decl.MaxRetries,
					SearchParams: decl.Params,
				}

				createErr := manager.CreateTask(task)
				if createErr != nil {
					return fmt.Errorf("create task %q: %w", decl.Name, createErr)
				}

				idByName[decl.Name] = task.TaskID

				fmt.Fprintf(os.Stdout, "created task %s (%s)\n", decl.Name, task.TaskID)
			}

			for _, edge := range pipeline.Edges {
				sourceID, sourceOK := idByName[edge.Source]
				targetID, targetOK := idByName[edge.Target]

				if !sourceOK || !targetOK {
					return fmt.Errorf("%w: edge %s -> %s references an undeclared task",
						ErrUsage, edge.Source, edge.Target)
				}

				created, connectErr := manager.Connect(
					sourceID, targetID, mining.InterconnectionType(edge.Type), edge.Description,
				)
				if connectErr != nil {
					return fmt.Errorf("connect %s -> %s: %w", edge.Source, edge.Target, connectErr)
				}

				fmt.Fprintf(os.Stdout, "connected %s -[%s]-> %s (%s)\n",
					edge.Source, edge.Type, edge.Target, created.ID)
			}

			return nil
		},
	}

	applyCmd.Flags().StringVarP(&file, "file", "f", "", "pipeline YAML file")

	return applyCmd
}
