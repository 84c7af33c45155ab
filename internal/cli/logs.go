package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs [window]",
		Short: "Show a window's backend log",
		Long:  "Print the log file of a window's backend session.",
		Example: `  conduit logs
  conduit logs 3f0c... --follow`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := windowID
			if len(args) > 0 {
				id = args[0]
			}

			if follow {
				return logsFollow(cmd.Context(), id)
			}
			data, err := apiClient.WindowLogs(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				fmt.Printf("No logs yet for window %s.\n", id)
				return nil
			}
			printLogLines(data)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output (polls every 2 seconds)")

	return cmd
}

func logsFollow(ctx context.Context, id string) error {
	// Bytes already printed, to avoid duplicates.
	seen := 0

	fmt.Printf("Following logs for window %s (Ctrl+C to stop)...\n", id)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		data, err := apiClient.WindowLogs(ctx, id)
		if err != nil {
			return err
		}
		// A reload starts a new log file.
		if len(data) < seen {
			seen = 0
		}
		if len(data) > seen {
			printLogLines(data[seen:])
			seen = len(data)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// printLogLines colors the level column of zap console lines.
func printLogLines(data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 3)
		if len(fields) < 3 {
			fmt.Println(sc.Text())
			continue
		}

		var level string
		switch fields[1] {
		case "ERROR", "FATAL", "PANIC", "DPANIC":
			level = color.RedString("%-5s", fields[1])
		case "WARN":
			level = color.YellowString("%-5s", fields[1])
		case "INFO":
			level = color.GreenString("%-5s", fields[1])
		case "DEBUG":
			level = color.HiBlackString("%-5s", fields[1])
		default:
			level = fields[1]
		}
		fmt.Printf("[%s] [%s] %s\n", fields[0], level, fields[2])
	}
}
