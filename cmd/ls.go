package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known tasks",
	Run:   runLs,
}

func runLs(cmd *cobra.Command, args []string) {
	st, err := openStore(runtimeConfig())
	if err != nil {
		fatalf("Error opening task store: %v", err)
	}
	defer st.Close()

	records, err := st.LoadAll()
	if err != nil {
		fatalf("Error listing tasks: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("No tasks found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tSTATE\tPROGRESS\tSIZE")
	for _, r := range records {
		downloaded := r.DownloadedSum()
		progress := "-"
		if r.TotalBytes > 0 {
			progress = fmt.Sprintf("%.1f%%", float64(downloaded)*100/float64(r.TotalBytes))
		}
		size := "-"
		if r.TotalBytes > 0 {
			size = humanize.Bytes(uint64(r.TotalBytes))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(r.TaskID), truncate(r.Request.URL, 40), r.State, progress, size)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
