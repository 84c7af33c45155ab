package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klubi/conduit/internal/activation"
	"github.com/klubi/conduit/internal/shell"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func newLinkCmd() *cobra.Command {
	var (
		newWindow bool
		replace   bool
	)

	cmd := &cobra.Command{
		Use:   "link <url>",
		Short: "Activate a deep link",
		Long: `Hand a deep link to the running shell. The link is added to the most
recently focused window unless --window or --new is given.`,
		Example: `  conduit link 'conduit://extension?cmd=npx&arg=-y&arg=server-git&id=git&name=Git'
  conduit link --new 'conduit://extension?url=http://127.0.0.1:8931/sse&id=remote&name=Remote'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := v1alpha1.ActivationRequest{
				Kind:    v1alpha1.ActivationDeepLink,
				Link:    args[0],
				Replace: replace,
			}
			switch {
			case newWindow:
				req.Hint = v1alpha1.HintNone
			case windowID != shell.CurrentWindow:
				req.Hint = v1alpha1.HintExplicit
				req.WindowID = windowID
			}

			res, err := apiClient.Activate(cmd.Context(), req)
			printActivation(res)
			if errors.Is(err, v1alpha1.ErrDuplicateProvider) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&newWindow, "new", false, "Always open a new window")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace a system with the same name")

	return cmd
}

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <system>",
		Short: "Print a deep link for a system",
		Long:  "Encode the configuration of a system in the target window as a deep link others can activate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := windowClient().GetSystem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			link, err := activation.EncodeDeepLink(st.Config, cfg.Shell.Scheme)
			if err != nil {
				return err
			}
			fmt.Println(link)
			return nil
		},
	}
}
