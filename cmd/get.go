package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/haulio/haul/internal/coordinator"
	"github.com/haulio/haul/internal/facade"
	"github.com/haulio/haul/internal/model"
)

var getCmd = &cobra.Command{
	Use:     "get <url>...",
	Aliases: []string{"add"},
	Short:   "Download one or more files",
	Long:    `Download one or more URLs, printing progress until every one finishes.`,
	Args:    cobra.MinimumNArgs(1),
	Run:     runGet,
}

func init() {
	getCmd.Flags().StringP("output", "o", "", "destination directory, full path, or bare filename")
	getCmd.Flags().Int64P("speed-limit", "s", 0, "per-download speed limit in bytes/sec (0 = unlimited)")
	getCmd.Flags().IntP("connections", "c", 0, "segment count (0 = engine default)")
	getCmd.Flags().String("priority", "normal", "priority: low, normal, high, urgent")
}

func runGet(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")
	speedLimit, _ := cmd.Flags().GetInt64("speed-limit")
	connections, _ := cmd.Flags().GetInt("connections")
	priorityFlag, _ := cmd.Flags().GetString("priority")

	priority, err := parsePriority(priorityFlag)
	if err != nil {
		fatalf("Error: %v", err)
	}

	eng, err := facade.New(runtimeConfig(), nil)
	if err != nil {
		fatalf("Error starting engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		fatalf("Error starting engine: %v", err)
	}

	var wg sync.WaitGroup
	for _, url := range args {
		handle, err := eng.Download(model.DownloadRequest{
			URL:         url,
			Destination: output,
			SpeedLimit:  speedLimit,
			Connections: connections,
			Priority:    priority,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queuing %s: %v\n", url, err)
			continue
		}
		wg.Add(1)
		go func(url string, h *coordinator.TaskHandle) {
			defer wg.Done()
			watchUntilTerminal(url, h)
		}(url, handle)
	}
	wg.Wait()
}

func parsePriority(s string) (model.Priority, error) {
	switch s {
	case "low":
		return model.PriorityLow, nil
	case "normal", "":
		return model.PriorityNormal, nil
	case "high":
		return model.PriorityHigh, nil
	case "urgent":
		return model.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want low, normal, high, urgent)", s)
	}
}

// watchUntilTerminal prints progress lines as a task's observable state
// changes, returning once it reaches a terminal state (spec §4.H).
func watchUntilTerminal(url string, h *coordinator.TaskHandle) {
	ch, cancel := h.State.Subscribe()
	defer cancel()

	for state := range ch {
		switch state.Kind {
		case model.DSDownloading:
			p := state.Progress
			if p.TotalBytes > 0 {
				fmt.Printf("%s: %s / %s (%.1f%%)\n", url,
					humanize.Bytes(uint64(p.DownloadedBytes)), humanize.Bytes(uint64(p.TotalBytes)),
					float64(p.DownloadedBytes)*100/float64(p.TotalBytes))
			} else {
				fmt.Printf("%s: %s downloaded\n", url, humanize.Bytes(uint64(p.DownloadedBytes)))
			}
		case model.DSCompleted:
			fmt.Printf("%s: complete -> %s\n", url, state.Path)
			return
		case model.DSFailed:
			fmt.Printf("%s: failed: %v\n", url, state.Err)
			return
		case model.DSCanceled:
			fmt.Printf("%s: canceled\n", url)
			return
		}
	}
}
