package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fgp/internal/ipc"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:   "call <name> <method>",
		Short: "Call a method on a running service and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, method := args[0], args[1]
			client, err := ctx.client(name)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if trimmed := strings.TrimSpace(params); trimmed != "" {
				if !json.Valid([]byte(trimmed)) {
					return errors.New("--params must be a JSON object")
				}
				raw = json.RawMessage(trimmed)
			}
			var result json.RawMessage
			if err := client.Call(cmd.Context(), method, raw, &result); err != nil {
				return describeCallError(name, err)
			}
			if len(result) == 0 {
				result = json.RawMessage("null")
			}
			var decoded any
			if err := json.Unmarshal(result, &decoded); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			return writeJSON(cmd, decoded)
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "Method parameters as a JSON object")
	return cmd
}

func newMethodsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "methods <name>",
		Short: "List the methods a running service exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(args[0])
			if err != nil {
				return err
			}
			methods, err := client.Methods(cmd.Context())
			if err != nil {
				return describeCallError(args[0], err)
			}
			if asJSON {
				return writeJSON(cmd, methods)
			}
			rows := make([][]string, 0, len(methods))
			for _, m := range methods {
				rows = append(rows, []string{args[0] + "." + m.Name, formatParams(m.Params), m.Description})
			}
			stdout := cmd.OutOrStdout()
			fmt.Fprintln(stdout, renderTable([]string{"Method", "Params", "Description"}, rows, nil, shouldColorize(stdout)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func formatParams(params []ipc.ParamInfo) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		part := p.Name + ":" + p.Type
		switch {
		case p.Required:
			part += "!"
		case p.Default != nil:
			part += fmt.Sprintf("=%v", p.Default)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
