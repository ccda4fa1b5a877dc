package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_queue/internal/housekeeper"
)

var (
	taskType       string
	taskTenant     string
	taskEntity     string
	taskEntityType string
	taskKey        string
	taskPayload    string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with housekeeper tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a housekeeper task",
	Long: `Submit a cleanup task to the housekeeper topic and wait for the broker acknowledgement.

Example:
  queuectl task submit --type DELETE_TELEMETRY --tenant <uuid> --entity <uuid> --entity-type DEVICE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := buildTask()
		if err != nil {
			return err
		}

		cfg := loadConfig()
		b, err := newBroker(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		p, err := b.Producer(cfg.Housekeeper.Topic)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := housekeeper.NewClient(p, "", nil).SubmitAndWait(ctx, task); err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		printOutput(cmd.OutOrStdout(), map[string]any{
			"topic":       p.DefaultTopic(),
			"task_type":   task.Type,
			"description": task.Description(),
		})
		return nil
	},
}

var taskTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the supported task types",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputJSON {
			types := make(map[housekeeper.TaskType]string)
			for _, t := range housekeeper.TaskTypes() {
				types[t] = t.Description()
			}
			printOutput(cmd.OutOrStdout(), types)
			return nil
		}
		for _, t := range housekeeper.TaskTypes() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", t, t.Description())
		}
		return nil
	},
}

func buildTask() (housekeeper.Task, error) {
	t := housekeeper.TaskType(strings.ToUpper(strings.TrimSpace(taskType)))
	if !t.Known() {
		return housekeeper.Task{}, fmt.Errorf("unknown task type %q, see 'queuectl task types'", taskType)
	}
	task := housekeeper.Task{
		Type:       t,
		TenantID:   taskTenant,
		EntityID:   taskEntity,
		EntityType: strings.ToUpper(taskEntityType),
		Key:        taskKey,
	}
	if taskPayload != "" {
		if !json.Valid([]byte(taskPayload)) {
			return housekeeper.Task{}, fmt.Errorf("payload is not valid JSON")
		}
		task.Payload = json.RawMessage(taskPayload)
	}
	return task, nil
}

func init() {
	taskSubmitCmd.Flags().StringVar(&taskType, "type", "", "task type (required)")
	taskSubmitCmd.Flags().StringVar(&taskTenant, "tenant", "", "tenant id")
	taskSubmitCmd.Flags().StringVar(&taskEntity, "entity", "", "entity id")
	taskSubmitCmd.Flags().StringVar(&taskEntityType, "entity-type", "", "entity type, e.g. DEVICE")
	taskSubmitCmd.Flags().StringVar(&taskKey, "key", "", "telemetry or attribute key")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "extra JSON payload")
	taskSubmitCmd.MarkFlagRequired("type")

	taskCmd.AddCommand(taskSubmitCmd, taskTypesCmd)
	rootCmd.AddCommand(taskCmd)
}
