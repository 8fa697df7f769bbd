package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulio/haul/internal/model"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Long:  `Resume a paused task by ID. Use --all to resume every paused task. Run "haul get" again (or a future daemon) to actually pick the work back up.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runResume,
}

func init() {
	resumeCmd.Flags().Bool("all", false, "resume every paused task")
}

func runResume(cmd *cobra.Command, args []string) {
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
			if rec.State != model.StatePaused {
				continue
			}
			rec.State = model.StateQueued
			if err := st.Save(rec); err != nil {
				fmt.Printf("Error resuming %s: %v\n", shortID(rec.TaskID), err)
				continue
			}
			n++
		}
		fmt.Printf("Resumed %d task(s).\n", n)
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
	if rec.State != model.StatePaused {
		fatalf("Task %s is %s, not paused", shortID(rec.TaskID), rec.State)
	}
	rec.State = model.StateQueued
	if err := st.Save(rec); err != nil {
		fatalf("Error resuming task: %v", err)
	}
	fmt.Printf("Resumed %s\n", shortID(rec.TaskID))
}
