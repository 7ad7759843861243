// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/message"
	"github.com/jllopis/flowllm/pkg/node"
	"github.com/jllopis/flowllm/pkg/output"
	"github.com/jllopis/flowllm/pkg/prompt"
	"github.com/jllopis/flowllm/pkg/store"
)

// withApp loads the configuration and runs fn with a ready app.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func buildRolesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect and persist role definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered roles with inheritance resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				all := a.registry.AllRoles()
				names := a.registry.Names()
				out := cmd.OutOrStdout()
				if g.json {
					list := make([]any, 0, len(names))
					for _, name := range names {
						if r, ok := all[name]; ok {
							list = append(list, r)
						}
					}
					return writeJSON(out, list)
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tINHERITS\tDESCRIPTION")
				for _, name := range names {
					r, ok := all[name]
					if !ok {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Inherits, firstLine(r.Description))
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Persist the registry to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				rs, ok := a.works.(store.RoleStore)
				if !ok {
					return NewCLIError(
						errors.New(errors.CodeMissingConfig, "no role store configured", nil),
						"set store.driver to memory, sqlite or postgres")
				}
				for _, name := range a.registry.Names() {
					r, err := a.registry.GetRole(name)
					if err != nil {
						return err
					}
					if err := rs.SaveRole(ctx, r); err != nil {
						return err
					}
				}
				saved, err := rs.ListRoles(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"saved": len(saved)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d roles\n", len(saved))
				return nil
			})
		},
	})
	return cmd
}

func buildPromptCmd(g *globalFlags) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "prompt <message.json|->",
		Short: "Normalize a message and print the prompt it renders to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				env, err := readMessage(cmd, args[0])
				if err != nil {
					return err
				}
				normalized, err := message.NewNormalizer(message.WithLogger(a.logger)).
					Normalize(ctx, env, message.NodeInfo{ID: "cli", Role: role})
				if err != nil {
					return err
				}
				resolved, err := prompt.NewBuilder(a.registry).Resolve(normalized, nil)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"prompt":          resolved.Text(),
						"length":          resolved.Length(),
						"estimatedTokens": resolved.EstimatedTokens(),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), resolved.Text())
				fmt.Fprintf(cmd.ErrOrStderr(), "~%d tokens\n", resolved.EstimatedTokens())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role used when the message names none")
	return cmd
}

func buildRouteCmd(g *globalFlags) *cobra.Command {
	var rulesPath string
	cmd := &cobra.Command{
		Use:   "route <message.json|->",
		Short: "Route a message and print the selected outputs",
		Long: `Route a message with the router section of the configuration.
Rule mode needs no LLM; ai and hybrid modes call the configured provider.`,
		Example: `  flowllm route message.json --rules rules.yaml
  flowllm route - --set router.mode=hybrid --set 'router.output_labels=["billing","tech","other"]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				env, err := readMessage(cmd, args[0])
				if err != nil {
					return err
				}
				r, err := a.router(ctx, rulesPath)
				if err != nil {
					return err
				}
				opts := []node.RouterOption{node.WithRouterLogger(a.logger)}
				if a.events != nil {
					opts = append(opts, node.WithAuditStore(a.events))
				}
				n, err := node.NewRouterNode("cli-router", r, opts...)
				if err != nil {
					return err
				}
				_, res, err := n.Process(ctx, env)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				if len(res.Outputs) == 0 {
					fmt.Fprintln(out, "no outputs selected")
				}
				for _, sel := range res.Outputs {
					label := ""
					if sel.Index < len(a.cfg.Router.OutputLabels) {
						label = a.cfg.Router.OutputLabels[sel.Index]
					}
					fmt.Fprintf(out, "%d\t%s\t%s\t%g\n", sel.Index, label, sel.Source, sel.Priority)
				}
				if res.Error != nil {
					return res.Error
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rules file (JSON or YAML); overrides router.rules_file")
	return cmd
}

func buildGenerateCmd(g *globalFlags) *cobra.Command {
	var (
		role       string
		schemaPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "generate <message.json|->",
		Short: "Run a message through the LLM node and print the resulting message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				env, err := readMessage(cmd, args[0])
				if err != nil {
					return err
				}
				inv, err := a.invoker(ctx)
				if err != nil {
					return err
				}
				opts := []node.LLMOption{
					node.WithRole(role),
					node.WithDebug(debug),
					node.WithRegistry(a.registry),
					node.WithGenerator(inv),
					node.WithLogger(a.logger),
				}
				if schemaPath != "" {
					schema, err := readSchema(schemaPath)
					if err != nil {
						return err
					}
					opts = append(opts, node.WithResponseSchema(schema))
				}
				if a.works != nil {
					opts = append(opts, node.WithWorkStore(a.works))
				}
				n, err := node.NewLLMNode("cli-llm", opts...)
				if err != nil {
					return err
				}
				out, err := n.Process(ctx, env)
				if err != nil {
					return err
				}
				if !g.json {
					if s, ok := out.Payload.(string); ok {
						fmt.Fprintln(cmd.OutOrStdout(), s)
						return nil
					}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role used when the message names none")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON Schema file the response must satisfy")
	cmd.Flags().BoolVar(&debug, "debug", false, "Attach a _debug block")
	return cmd
}

func buildOutputCmd(g *globalFlags) *cobra.Command {
	var (
		schemaPath string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "output <raw>",
		Short: "Normalize raw LLM output and optionally validate it against a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if raw == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = string(data)
			}
			n, err := output.Normalize(raw, output.WithFormat(output.Format(format)))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if schemaPath == "" {
				if g.json {
					return writeJSON(out, n)
				}
				fmt.Fprintf(out, "format: %s\n", n.Format)
				return writeJSON(out, n.Value())
			}

			schema, err := readSchema(schemaPath)
			if err != nil {
				return err
			}
			res := output.Validate(n, schema)
			if g.json {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else if res.Valid {
				fmt.Fprintln(out, "valid")
			}
			if !res.Valid {
				return errors.New(errors.CodeSchemaValidation, "output does not match response schema", nil).
					WithContext("errors", res.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON Schema file")
	cmd.Flags().StringVar(&format, "format", "", "Force format: text, markdown, json or array")
	return cmd
}

func readMessage(cmd *cobra.Command, path string) (*message.Envelope, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, NewInvalidArgumentError(path, err.Error())
	}
	return message.Parse(data)
}

func readSchema(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewInvalidArgumentError(path, err.Error())
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "schema must be a JSON object", err).WithContext("path", path)
	}
	return schema, nil
}

func writeJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.New(errors.CodeSerialization, "encode output", err)
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
