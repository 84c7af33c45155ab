package cli

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <resource-type> <name>",
		Short: "Show detailed info about a resource",
		Long:  "Print a detailed description of a window or a system.",
		Example: `  conduit describe window current
  conduit describe system git`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch normalizeResourceType(args[0]) {
			case "windows":
				return describeWindow(cmd, args[1])
			case "systems":
				return describeSystem(cmd, args[1])
			default:
				return fmt.Errorf("unknown resource type %q. Valid types: windows, systems", args[0])
			}
		},
	}

	return cmd
}

func describeWindow(cmd *cobra.Command, id string) error {
	win, err := apiClient.GetWindow(cmd.Context(), id)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("Window:")
	printField("  ID", win.ID)
	printField("  Focused", strconv.FormatBool(win.Focused))
	printField("  Working Dir", win.WorkingDir)
	printField("  Opened", formatTime(win.OpenedAt))

	fmt.Println()
	bold.Println("Session:")
	printField("  ID", win.SessionID)
	printField("  PID", strconv.Itoa(win.PID))
	printField("  Port", strconv.Itoa(win.Port))
	if win.Fatal != "" {
		printField("  Fatal", color.RedString(win.Fatal))
		return nil
	}

	systems, err := apiClient.ForWindow(win.ID).ListSystems(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println()
	bold.Println("Systems:")
	if len(systems) == 0 {
		fmt.Println("  <none>")
	}
	for _, s := range systems {
		fmt.Printf("  %-22s%s\n", s.Config.Name, colorState(s.State))
	}
	return nil
}

func describeSystem(cmd *cobra.Command, name string) error {
	st, err := windowClient().GetSystem(cmd.Context(), name)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)

	bold.Println("System:")
	printField("  Name", st.Config.Name)
	printField("  Description", st.Config.Description)
	printField("  Added", formatTime(st.AddedAt))

	fmt.Println()
	bold.Println("Spec:")
	printField("  Type", string(st.Config.Type))
	if st.Config.Cmd != "" {
		printField("  Command", st.Config.Cmd)
		printField("  Args", formatStringSlice(st.Config.Args))
	}
	if st.Config.URL != "" {
		printField("  URL", st.Config.URL)
	}
	if st.Config.Builtin != "" {
		printField("  Builtin", st.Config.Builtin)
	}
	if len(st.Config.Env) > 0 {
		printField("  Env", formatMap(st.Config.Env))
	}

	fmt.Println()
	bold.Println("Status:")
	printField("  State", colorState(st.State))
	if !st.ReadyAt.IsZero() {
		printField("  Ready At", formatTime(st.ReadyAt))
	}
	printField("  Tools", strconv.Itoa(st.Tools))
	printField("  Resources", strconv.FormatBool(st.SupportsResources))
	if st.SupportsResources {
		printField("  Resource Count", strconv.Itoa(st.Resources))
	}
	if st.Instructions != "" {
		printField("  Instructions", truncate(st.Instructions, 80))
	}
	if st.Error != "" {
		printField("  Error", color.RedString(st.Error))
	}

	return nil
}
