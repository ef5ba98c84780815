package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/exthost/internal/extindex"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Index maintenance while the host is stopped. A running host picks the
// changes up on its next start.
func extensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extensions",
		Short: "Manage the installed extension index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed extensions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				index, err := openIndex(cmd)
				if err != nil {
					return err
				}
				printExtensions(cmd, index.List()...)
				return nil
			},
		},
		&cobra.Command{
			Use:   "install <dir>",
			Short: "Record an unpacked extension directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				index, err := openIndex(cmd)
				if err != nil {
					return err
				}
				dir, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				ext, err := index.Install(dir)
				if err != nil {
					return err
				}
				printExtensions(cmd, ext)
				return nil
			},
		},
		toggleCmd("enable", true),
		toggleCmd("disable", false),
		&cobra.Command{
			Use:   "uninstall <id>",
			Short: "Remove an extension from the index",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				index, err := openIndex(cmd)
				if err != nil {
					return err
				}
				ext, err := index.Uninstall(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s (files left in %s)\n", ext.ID, ext.InstallPath)
				return nil
			},
		},
	)
	return cmd
}

func toggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("%s an installed extension", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := openIndex(cmd)
			if err != nil {
				return err
			}
			ext, err := index.SetEnabled(args[0], enabled)
			if err != nil {
				return err
			}
			printExtensions(cmd, ext)
			return nil
		},
	}
}

func openIndex(cmd *cobra.Command) (*extindex.Index, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.RuntimeConfig(cfg.Logging.Level))
	if err != nil {
		logger = logging.NewNop()
	}
	layout := paths.Layout{Root: cfg.Paths.DataDir}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	index := extindex.New(layout.IndexFile(), logger)
	if err := index.Load(); err != nil {
		return nil, err
	}
	return index, nil
}

func printExtensions(cmd *cobra.Command, exts ...types.Extension) {
	if len(exts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no extensions installed")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tENABLED\tPATH")
	for _, ext := range exts {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", ext.ID, ext.Version, ext.Enabled, ext.InstallPath)
	}
	_ = w.Flush()
}
