package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <system> <uri>",
		Short: "Read a resource",
		Long:  "Read a resource from a system in the target window and print its text content.",
		Example: `  conduit read workspace file:///home/me/src/project/README.md
  conduit read workspace file:///home/me/src/project/README.md -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			read, err := windowClient().ReadResource(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if outputFormat != "table" {
				return printOutput(read, read.Contents, nil, nil)
			}
			for _, c := range read.Contents {
				if c.Text != "" {
					fmt.Print(c.Text)
					if !strings.HasSuffix(c.Text, "\n") {
						fmt.Println()
					}
					continue
				}
				size := base64.StdEncoding.DecodedLen(len(c.Blob))
				color.HiBlack("<%s, %d bytes>", c.MIMEType, size)
			}
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <tool> [key=value...]",
		Short: "Call a tool",
		Long: `Call a namespaced tool (system__tool) in the target window.

Arguments are key=value pairs; values that parse as JSON are sent as JSON,
anything else as a string. --args takes a whole JSON object instead.`,
		Example: `  conduit call workspace__list_files pattern='**/*.go'
  conduit call git__log --args '{"limit": 5}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := toolArguments(argsJSON, args[1:])
			if err != nil {
				return err
			}

			res, err := windowClient().CallTool(cmd.Context(), args[0], arguments)
			if err != nil {
				return err
			}
			if outputFormat != "table" {
				return printOutput(res, []struct{}{}, nil, nil)
			}

			printToolContent(res.Content)
			if res.IsError {
				return fmt.Errorf("tool %s reported an error", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")

	return cmd
}

func toolArguments(argsJSON string, pairs []string) (map[string]any, error) {
	arguments := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
			return nil, fmt.Errorf("parsing --args: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			arguments[k] = decoded
		} else {
			arguments[k] = v
		}
	}
	return arguments, nil
}

// printToolContent prints the text blocks of a tool result and summarizes
// the rest.
func printToolContent(raw json.RawMessage) {
	var blocks []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		MIMEType string `json:"mimeType"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		os.Stdout.Write(raw)
		fmt.Println()
		return
	}
	for _, b := range blocks {
		if b.Type == "text" {
			fmt.Println(b.Text)
			continue
		}
		color.HiBlack("<%s %s>", b.Type, b.MIMEType)
	}
}
