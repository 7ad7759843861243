// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the flowllm CLI.
//
// Typical usage:
//
//	flowllm roles list
//	flowllm prompt message.json
//	flowllm route message.json --rules rules.yaml
//	flowllm generate message.json --config flowllm.yaml
//	flowllm output '{"name":"fox"}' --schema person.schema.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	profile    string
	overrides  []string
	json       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globalFlags{}
	rootCmd := buildRootCmd(g)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, g.json)
		os.Exit(1)
	}
}

func buildRootCmd(g *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowllm",
		Short: "Role-based prompt construction, LLM invocation and message routing",
		Long: `flowllm normalizes flow messages, builds prompts from role templates,
calls an LLM provider and routes messages with rules, an LLM or both.

Configuration is read from defaults, --config, the profile overlay,
FLOWLLM_* environment variables and --set overrides, in that order.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&g.profile, "profile", "", "Profile overlay (config.<profile>.yaml)")
	rootCmd.PersistentFlags().StringArrayVar(&g.overrides, "set", nil, "Override config key=value (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&g.json, "json", false, "JSON output")

	rootCmd.AddCommand(
		buildRolesCmd(g),
		buildPromptCmd(g),
		buildRouteCmd(g),
		buildGenerateCmd(g),
		buildOutputCmd(g),
	)
	return rootCmd
}

// configArgs rebuilds the flag list understood by config.LoadWithCLI.
func (g *globalFlags) configArgs() []string {
	var args []string
	if g.configPath != "" {
		args = append(args, "--config", g.configPath)
	}
	if g.profile != "" {
		args = append(args, "--profile", g.profile)
	}
	for _, kv := range g.overrides {
		args = append(args, "--set", kv)
	}
	return args
}
