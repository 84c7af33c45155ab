package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shell dashboard",
		Long:  "Display an overview of the running shell, its windows and their systems.",
		Example: `  conduit status
  conduit status --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return statusWatch(cmd.Context())
			}
			return statusPrint(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Continuously refresh (every 5 seconds)")

	return cmd
}

func statusPrint(ctx context.Context) error {
	health, err := apiClient.Healthz(ctx)
	if err != nil {
		color.Red("Conduit Shell: UNREACHABLE")
		return fmt.Errorf("cannot reach shell: %w", err)
	}

	bold := color.New(color.FgCyan, color.Bold)
	bold.Println("Conduit Shell Status")
	fmt.Println("====================")
	fmt.Println()
	fmt.Printf("PID: %d, up %s\n", health.PID, formatAge(health.StartedAt))

	windows, err := apiClient.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("listing windows: %w", err)
	}
	fmt.Printf("Windows: %d\n", len(windows))

	for _, w := range windows {
		fmt.Println()
		marker := " "
		if w.Focused {
			marker = "*"
		}
		dir := w.WorkingDir
		if dir == "" {
			dir = "<no dir>"
		}
		fmt.Printf("%s %s  %s  pid %d\n", marker, w.ID, dir, w.PID)
		if w.Fatal != "" {
			fmt.Printf("    %s\n", color.RedString("backend dead: %s", w.Fatal))
			continue
		}

		systems, err := apiClient.ForWindow(w.ID).ListSystems(ctx)
		if err != nil {
			fmt.Printf("    %s\n", color.RedString("unreachable: %v", err))
			continue
		}
		fmt.Printf("    Systems: %d%s\n", len(systems), stateSummary(systems))
	}

	return nil
}

// stateSummary renders " (2 ready, 1 failed)" for a list of systems.
func stateSummary(systems []v1alpha1.SystemStatus) string {
	if len(systems) == 0 {
		return ""
	}
	counts := map[v1alpha1.SystemState]int{}
	for _, s := range systems {
		counts[s.State]++
	}
	var parts []string
	if n := counts[v1alpha1.SystemReady]; n > 0 {
		parts = append(parts, color.GreenString("%d ready", n))
	}
	if n := counts[v1alpha1.SystemConnecting]; n > 0 {
		parts = append(parts, color.YellowString("%d connecting", n))
	}
	if n := counts[v1alpha1.SystemFailed]; n > 0 {
		parts = append(parts, color.RedString("%d failed", n))
	}
	if n := counts[v1alpha1.SystemClosed]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d closed", n))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func statusWatch(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		// Clear screen with ANSI escape.
		fmt.Print("\033[2J\033[H")

		if err := statusPrint(ctx); err != nil {
			fmt.Printf("\nError: %v\n", err)
		}
		fmt.Printf("\nLast updated: %s\n", time.Now().Format("15:04:05"))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
