package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show full detail for one task",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	st, err := openStore(runtimeConfig())
	if err != nil {
		fatalf("Error opening task store: %v", err)
	}
	defer st.Close()

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

	fmt.Printf("ID:          %s\n", rec.TaskID)
	fmt.Printf("URL:         %s\n", rec.Request.URL)
	fmt.Printf("State:       %s\n", rec.State)
	fmt.Printf("Output:      %s\n", rec.OutputPath)
	downloaded := rec.DownloadedSum()
	if rec.TotalBytes > 0 {
		fmt.Printf("Progress:    %s / %s (%.1f%%)\n",
			humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(rec.TotalBytes)),
			float64(downloaded)*100/float64(rec.TotalBytes))
	} else {
		fmt.Printf("Progress:    %s downloaded\n", humanize.Bytes(uint64(downloaded)))
	}
	fmt.Printf("Segments:    %d\n", len(rec.Segments))
	fmt.Printf("Connections: %d\n", rec.Request.Connections)
	if rec.Request.SpeedLimit > 0 {
		fmt.Printf("Speed limit: %s/s\n", humanize.Bytes(uint64(rec.Request.SpeedLimit)))
	}
	fmt.Printf("Created:     %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	if rec.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", rec.ErrorMessage)
	}
}
