package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulio/haul/internal/model"
)

var rmCmd = &cobra.Command{
	Use:     "rm <task-id>",
	Aliases: []string{"kill"},
	Short:   "Remove a task",
	Long:    `Remove a task by ID. Use --clean to remove every completed task.`,
	Args:    cobra.MaximumNArgs(1),
	Run:     runRm,
}

func init() {
	rmCmd.Flags().Bool("clean", false, "remove every completed task")
}

func runRm(cmd *cobra.Command, args []string) {
	clean, _ := cmd.Flags().GetBool("clean")
	if !clean && len(args) == 0 {
		fatalf("Error: provide a task ID or use --clean")
	}

	st, err := openStore(runtimeConfig())
	if err != nil {
		fatalf("Error opening task store: %v", err)
	}
	defer st.Close()

	if clean {
		records, err := st.LoadAll()
		if err != nil {
			fatalf("Error listing tasks: %v", err)
		}
		n := 0
		for _, rec := range records {
			if rec.State != model.StateCompleted {
				continue
			}
			if err := st.Remove(rec.TaskID); err != nil {
				fmt.Printf("Error removing %s: %v\n", shortID(rec.TaskID), err)
				continue
			}
			n++
		}
		fmt.Printf("Removed %d completed task(s).\n", n)
		return
	}

	taskID, err := resolveTaskID(st, args[0])
	if err != nil {
		fatalf("Error: %v", err)
	}
	if err := st.Remove(taskID); err != nil {
		fatalf("Error removing task: %v", err)
	}
	fmt.Printf("Removed %s\n", shortID(taskID))
}
