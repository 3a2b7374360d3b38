package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fgp/internal/layout"
	"fgp/internal/manifest"
)

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	var description string
	var version string
	var launchArgs []string
	var force bool

	cmd := &cobra.Command{
		Use:   "register <name> <executable>",
		Short: "Register a service by writing its manifest.json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, executable := args[0], strings.TrimSpace(args[1])
			if err := layout.ValidateName(name); err != nil {
				return err
			}
			abs, err := filepath.Abs(executable)
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			info, err := os.Stat(abs)
			if err != nil {
				return fmt.Errorf("executable %s: %w", abs, err)
			}
			if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
				return fmt.Errorf("%s is not an executable file", abs)
			}

			root := ctx.servicesRoot()
			if !force {
				if _, err := manifest.Load(root, name); err == nil {
					return fmt.Errorf("%s is already registered (use --force to replace it)", name)
				} else if !errors.Is(err, manifest.ErrNotFound) {
					return err
				}
			}
			m := &manifest.Manifest{
				Name:        name,
				Version:     version,
				Description: description,
				Daemon:      manifest.Daemon{Entrypoint: abs, Args: launchArgs},
			}
			if err := manifest.Save(root, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s -> %s\n", name, abs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Human readable description")
	cmd.Flags().StringVar(&version, "version", "", "Service version")
	cmd.Flags().StringArrayVar(&launchArgs, "arg", nil, "Argument passed to the executable (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing manifest")
	return cmd
}
