package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/applier"
	"github.com/hochfrequenz/recommendation-implementer/internal/config"
	"github.com/hochfrequenz/recommendation-implementer/internal/deploy"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/executor"
	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
	"github.com/hochfrequenz/recommendation-implementer/internal/logging"
	"github.com/hochfrequenz/recommendation-implementer/internal/metrics"
	"github.com/hochfrequenz/recommendation-implementer/internal/notify"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/internal/prbot"
	"github.com/hochfrequenz/recommendation-implementer/internal/prompts"
	"github.com/hochfrequenz/recommendation-implementer/internal/recordstore"
	"github.com/hochfrequenz/recommendation-implementer/internal/validation"
	"github.com/hochfrequenz/recommendation-implementer/internal/workspace"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *recordstore.Store
	orch     *orchestrator.Orchestrator
	observer *observer.Observer
	registry *prometheus.Registry
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.General.LogLevel, false)
	if err != nil {
		return nil, err
	}

	store, err := recordstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	git := gitops.NewOperator(cfg.General.GitTimeout.Duration, logger)
	loader := prompts.DefaultLoader("")
	obs := observer.New(2 * cfg.Agent.Timeout.Duration)

	deps := orchestrator.Deps{
		Store:      store,
		Workspaces: workspace.NewManager(cfg.General.WorkspaceRoot, git, logger),
		Git:        git,
		Agent: executor.NewInvoker(executor.Config{
			Executor:       executor.ExecutorType(cfg.Agent.Executor),
			Command:        cfg.Agent.Command,
			Args:           cfg.Agent.Args,
			Model:          cfg.Agent.Model,
			MaxOutputBytes: cfg.Agent.MaxOutputBytes,
		}, git, logger),
		Applier:   applier.New(loader),
		Validator: validation.NewDispatcher(cfg.Validation.CommandTimeout.Duration, logger),
		Prompts:   loader,
		Notifier:  newNotifier(cfg),
		Observer:  obs,
		Metrics:   m,
		Logger:    logger,
	}

	// leave the interface nil rather than holding a typed nil
	if cfg.Deploy.HookURL != "" {
		trigger := deploy.NewWebhookTrigger(cfg.Deploy.HookURL, cfg.Deploy.Token, cfg.Deploy.RatePerMinute)
		deps.Deployer = deploy.NewService(
			deploy.NewTTLCache(cfg.Deploy.CacheTTL.Duration),
			store, trigger, cfg.Deploy.PersistedMaxAge.Duration, logger, m,
		)
	}

	if cfg.GitHub.UseAPI {
		host, err := prbot.NewGitHubAPI(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL, prbot.DefaultRetryConfig(), logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		deps.CodeHost = host
	} else {
		deps.CodeHost = prbot.NewGHCLI("", cfg.General.GitTimeout.Duration, logger)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		orch:     orchestrator.New(deps),
		observer: obs,
		registry: registry,
	}, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func (a *app) Close() {
	a.store.Close()
	_ = a.logger.Sync()
}

// options returns the configured defaults with any explicit flags applied
func (a *app) options(cmd *cobra.Command) orchestrator.Options {
	opts := orchestrator.Options{
		CreatePR:     a.cfg.GitHub.CreatePR,
		Deploy:       a.cfg.Deploy.Enabled,
		Validate:     a.cfg.Validation.Enabled,
		AgentTimeout: a.cfg.Agent.Timeout.Duration,
	}
	if cmd == nil {
		return opts
	}
	flags := cmd.Flags()
	if flags.Changed("pr") {
		opts.CreatePR, _ = flags.GetBool("pr")
	}
	if flags.Changed("deploy") {
		opts.Deploy, _ = flags.GetBool("deploy")
	}
	if flags.Changed("validate") {
		opts.Validate, _ = flags.GetBool("validate")
	}
	if flags.Changed("timeout") {
		opts.AgentTimeout, _ = flags.GetDuration("timeout")
	}
	return opts
}

// withFileOverrides applies the toggles a request file carries
func withFileOverrides(opts orchestrator.Options, f *domain.RequestFile) orchestrator.Options {
	if f.CreatePR != nil {
		opts.CreatePR = *f.CreatePR
	}
	if f.Deploy != nil {
		opts.Deploy = *f.Deploy
	}
	return opts
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("pr", false, "open a pull request (default from config)")
	cmd.Flags().Bool("deploy", false, "trigger a preview deployment (default from config)")
	cmd.Flags().Bool("validate", false, "run lint and test commands (default from config)")
	cmd.Flags().Duration("timeout", 0, "agent timeout (default from config)")
}
