package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulio/haul/internal/model"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a task",
	Long:  `Pause a task by ID. Use --all to pause every pausable task.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runPause,
}

func init() {
	pauseCmd.Flags().Bool("all", false, "pause every queued or downloading task")
}

func runPause(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		fatalf("Error: provide a task ID or use --all")
	}

	st, err := openStore(runtimeConfig())
	if err != nil {
		fatalf("Error opening task store: %v", err)
	}
	defer st.Close()

	if all {
		records, err := st.LoadAll()
		if err != nil {
			fatalf("Error listing tasks: %v", err)
		}
		n := 0
		for _, rec := range records {
			if !pausable(rec.State) {
				continue
			}
			rec.State = model.StatePaused
			if err := st.Save(rec); err != nil {
				fmt.Printf("Error pausing %s: %v\n", shortID(rec.TaskID), err)
				continue
			}
			n++
		}
		fmt.Printf("Paused %d task(s).\n", n)
		return
	}

	taskID, err := resolveTaskID(st, args[0])
	if err != nil {
		fatalf("Error: %v", err)
	}
	rec, ok, err := st.Load(taskID)
	if err != nil {
		fatalf("Error loading task: %v", err)
	}
	if !ok {
		fatalf("No such task: %s", args[0])
	}
	if !pausable(rec.State) {
		fatalf("Task %s is %s and cannot be paused", shortID(rec.TaskID), rec.State)
	}
	rec.State = model.StatePaused
	if err := st.Save(rec); err != nil {
		fatalf("Error pausing task: %v", err)
	}
	fmt.Printf("Paused %s\n", shortID(rec.TaskID))
}

func pausable(s model.TaskState) bool {
	switch s {
	case model.StateQueued, model.StatePending, model.StateDownloading:
		return true
	default:
		return false
	}
}
