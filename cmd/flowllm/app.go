// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jllopis/flowllm/pkg/audit"
	"github.com/jllopis/flowllm/pkg/config"
	"github.com/jllopis/flowllm/pkg/llm"
	"github.com/jllopis/flowllm/pkg/roles"
	"github.com/jllopis/flowllm/pkg/router"
	"github.com/jllopis/flowllm/pkg/store"
	"github.com/jllopis/flowllm/pkg/telemetry"
	"github.com/jllopis/flowllm/providers"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *roles.Registry
	metrics  *telemetry.PipelineMetrics
	works    store.WorkStore
	events   audit.Store
	closers  []func(context.Context) error
}

func newApp(ctx context.Context, g *globalFlags, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadWithCLI(g.configArgs())
	if err != nil {
		return nil, NewConfigError(err, g.configPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigError(err, g.configPath)
	}
	if logOut == nil {
		logOut = os.Stderr
	}

	a := &app{
		cfg:    cfg,
		logger: telemetry.ConfigureSlog(logOut, cfg.Log.Level, cfg.Log.Format),
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Version:      version,
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			Provider:     cfg.LLM.Provider,
			Model:        cfg.LLM.Model,
			RouterMode:   cfg.Router.Mode,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
		if a.metrics, err = telemetry.NewPipelineMetrics(); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	if a.registry, err = loadRegistry(cfg, a.logger); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.openStores(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func loadRegistry(cfg *config.Config, logger *slog.Logger) (*roles.Registry, error) {
	seed := cfg.RoleDefinitions()
	if cfg.Roles.File != "" {
		rc, err := roles.LoadRoleConfig(cfg.Roles.File)
		if err != nil {
			return nil, err
		}
		seed = append(rc.Roles(), seed...)
	}
	return roles.NewRegistry(roles.WithRoles(seed...), roles.WithLogger(logger))
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.works = store.NewMemoryStore()
	case "sqlite", "postgres":
		s, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN, a.cfg.Store.TablePrefix)
		if err != nil {
			return err
		}
		a.works = s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	}

	if !a.cfg.Audit.Enabled {
		return nil
	}
	switch a.cfg.Audit.Driver {
	case "sqlite":
		s, err := audit.OpenSQLite(a.cfg.Audit.DSN)
		if err != nil {
			return err
		}
		a.events = s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	default:
		a.events = audit.NewMemoryStore()
	}
	return nil
}

// invoker builds the LLM invoker from the llm section.
func (a *app) invoker(ctx context.Context) (*llm.Invoker, error) {
	p, err := providers.New(ctx, a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	if c, ok := p.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	opts := []llm.InvokerOption{
		llm.WithDefaults(llm.Options{
			MaxTokens:   a.cfg.LLM.MaxTokens,
			Temperature: llm.Float64(a.cfg.LLM.Temperature),
		}),
		llm.WithTimeout(a.cfg.LLM.Timeout),
		llm.WithLogger(a.logger),
		llm.WithMetrics(a.metrics),
	}
	if a.events != nil {
		opts = append(opts, audit.InvokerOptions(a.events, a.logger)...)
	}
	return llm.NewProviderInvoker(p, a.cfg.LLM.Model, opts...), nil
}

// router builds a Router from the router section. rulesPath overrides router.rules_file.
// Modes other than rule also build the LLM invoker.
func (a *app) router(ctx context.Context, rulesPath string) (*router.Router, error) {
	rc := a.cfg.Router
	if rulesPath == "" {
		rulesPath = rc.RulesFile
	}
	var rules []router.Rule
	if rulesPath != "" {
		var err error
		if rules, err = router.LoadRules(rulesPath); err != nil {
			return nil, err
		}
	}

	var evalOpts []router.EvaluatorOption
	if rc.LooseEquality {
		evalOpts = append(evalOpts, router.WithLooseEquality())
	}
	evalOpts = append(evalOpts, router.WithEvaluatorLogger(a.logger))
	opts := []router.Option{
		router.WithRuleEvaluator(router.NewRuleEvaluator(evalOpts...)),
		router.WithLogger(a.logger),
		router.WithMetrics(a.metrics),
	}

	mode := router.Mode(rc.Mode)
	if mode != router.ModeRule {
		inv, err := a.invoker(ctx)
		if err != nil {
			return nil, err
		}
		aiOpts := []router.AIOption{router.WithAILogger(a.logger)}
		if rc.PromptTemplate != "" {
			aiOpts = append(aiOpts, router.WithPromptTemplate(rc.PromptTemplate))
		}
		if rc.EnhancePrompt {
			aiOpts = append(aiOpts, router.WithEnhancer(router.LLMEnhancer(inv)))
		}
		ai, err := router.NewAIRouter(inv, rc.OutputLabels, aiOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, router.WithAIRouter(ai))
	}

	return router.New(router.Config{
		Mode:           mode,
		OutputLabels:   rc.OutputLabels,
		FallbackOutput: rc.FallbackOutput,
		Rules:          rules,
	}, opts...)
}

// Close releases stores, providers and telemetry in reverse order.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WarnContext(ctx, "shutdown failed", "error", err)
		}
	}
	a.closers = nil
}
