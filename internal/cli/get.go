package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

const resourceTypes = "windows, systems, catalog, resources, saved, recent, prompt"

func newGetCmd() *cobra.Command {
	var system string

	cmd := &cobra.Command{
		Use:   "get <resource-type> [name]",
		Short: "List or get resources",
		Long: `Display one or many resources.

Resource types: windows (win), systems (sys), catalog (cap), resources (res),
saved, recent, prompt. Systems, catalog, resources and prompt are read from
the --window target (default: the focused window).`,
		Example: `  conduit get windows
  conduit get systems
  conduit get systems git -o yaml
  conduit get catalog
  conduit get resources --system workspace`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 1 {
				name = args[1]
			}

			switch normalizeResourceType(args[0]) {
			case "windows":
				return getWindows(cmd, name)
			case "systems":
				return getSystems(cmd, name)
			case "catalog":
				return getCatalog(cmd)
			case "resources":
				return getResources(cmd, system)
			case "saved":
				return getSaved(cmd)
			case "recent":
				return getRecent(cmd)
			case "prompt":
				return getPrompt(cmd)
			default:
				return fmt.Errorf("unknown resource type %q. Valid types: %s", args[0], resourceTypes)
			}
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "Only list resources of this system")

	return cmd
}

// normalizeResourceType maps various aliases to canonical resource type names.
func normalizeResourceType(t string) string {
	t = strings.ToLower(t)
	switch t {
	case "window", "windows", "win", "w":
		return "windows"
	case "system", "systems", "sys":
		return "systems"
	case "catalog", "capabilities", "cap", "tools":
		return "catalog"
	case "resource", "resources", "res":
		return "resources"
	case "saved", "saved-systems":
		return "saved"
	case "recent", "recent-dirs", "dirs":
		return "recent"
	case "prompt", "prompts":
		return "prompt"
	default:
		return t
	}
}

func getWindows(cmd *cobra.Command, id string) error {
	if id != "" {
		win, err := apiClient.GetWindow(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printOutput(win, []v1alpha1.WindowInfo{*win}, windowHeaders(), windowToRow)
	}

	windows, err := apiClient.ListWindows(cmd.Context())
	if err != nil {
		return err
	}
	if len(windows) == 0 && outputFormat == "table" {
		fmt.Println("No windows open.")
		return nil
	}
	return printOutput(windows, windows, windowHeaders(), windowToRow)
}

func windowHeaders() []string {
	return []string{"ID", "FOCUSED", "PID", "PORT", "DIR", "STATUS", "AGE"}
}

func windowToRow(w v1alpha1.WindowInfo) []string {
	focused := ""
	if w.Focused {
		focused = "*"
	}
	status := color.GreenString("running")
	if w.Fatal != "" {
		status = color.RedString("dead")
	}
	return []string{
		w.ID,
		focused,
		strconv.Itoa(w.PID),
		strconv.Itoa(w.Port),
		w.WorkingDir,
		status,
		formatAge(w.OpenedAt),
	}
}

func getSystems(cmd *cobra.Command, name string) error {
	c := windowClient()
	if name != "" {
		st, err := c.GetSystem(cmd.Context(), name)
		if err != nil {
			return err
		}
		return printOutput(st, []v1alpha1.SystemStatus{*st}, systemHeaders(), systemToRow)
	}

	systems, err := c.ListSystems(cmd.Context())
	if err != nil {
		return err
	}
	if len(systems) == 0 && outputFormat == "table" {
		fmt.Println("No systems found.")
		return nil
	}
	return printOutput(systems, systems, systemHeaders(), systemToRow)
}

func systemHeaders() []string {
	return []string{"NAME", "TYPE", "STATE", "TOOLS", "RESOURCES", "AGE", "ERROR"}
}

func systemToRow(s v1alpha1.SystemStatus) []string {
	resources := "-"
	if s.SupportsResources {
		resources = strconv.Itoa(s.Resources)
	}
	return []string{
		s.Config.Name,
		string(s.Config.Type),
		colorState(s.State),
		strconv.Itoa(s.Tools),
		resources,
		formatAge(s.AddedAt),
		truncate(s.Error, 60),
	}
}

func getCatalog(cmd *cobra.Command) error {
	entries, err := windowClient().Catalog(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(entries, entries, []string{"NAME", "KIND", "SYSTEM", "DESCRIPTION"},
		func(e v1alpha1.CatalogEntry) []string {
			return []string{e.Name, string(e.Kind), e.System, truncate(e.Description, 60)}
		})
}

func getResources(cmd *cobra.Command, system string) error {
	listing, err := windowClient().ListResources(cmd.Context(), system)
	if err != nil {
		return err
	}
	if err := printOutput(listing, listing.Resources, []string{"SYSTEM", "URI", "NAME", "MIME"},
		func(r v1alpha1.ResourceRef) []string {
			return []string{r.System, r.URI, r.Name, r.MIMEType}
		}); err != nil {
		return err
	}
	if outputFormat == "table" {
		for name, msg := range listing.Failures {
			color.Yellow("Warning: %s: %s", name, msg)
		}
	}
	return nil
}

func getSaved(cmd *cobra.Command) error {
	saved, err := apiClient.ListSavedSystems(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(saved, saved, []string{"NAME", "TYPE", "TARGET", "DESCRIPTION"},
		func(c v1alpha1.SystemConfig) []string {
			return []string{c.Name, string(c.Type), systemTarget(c), truncate(c.Description, 60)}
		})
}

func getRecent(cmd *cobra.Command) error {
	dirs, err := apiClient.RecentDirs(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(dirs, dirs, []string{"DIR"}, func(d string) []string { return []string{d} })
}

func getPrompt(cmd *cobra.Command) error {
	systems, err := windowClient().PromptSystems(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(systems, systems, []string{"NAME", "RESOURCES", "DESCRIPTION"},
		func(p v1alpha1.PromptSystem) []string {
			return []string{p.Name, strconv.FormatBool(p.SupportsResources), truncate(p.Description, 60)}
		})
}

// systemTarget is the command line, URL or builtin name a system points at.
func systemTarget(c v1alpha1.SystemConfig) string {
	switch c.Type {
	case v1alpha1.TransportStdio:
		return strings.TrimSpace(c.Cmd + " " + strings.Join(c.Args, " "))
	case v1alpha1.TransportSSE:
		return c.URL
	default:
		return c.Builtin
	}
}
