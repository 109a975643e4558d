package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyper-ai-inc/pullbroker/internal/agent"
	"github.com/hyper-ai-inc/pullbroker/internal/config"
	"github.com/hyper-ai-inc/pullbroker/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		server     string
		token      string
		root       string
		shell      string
		sessionID  string
		workdir    string
		approve    bool
	)

	cmd := &cobra.Command{
		Use:           "pullbroker-agent",
		Short:         "Serve file operations, commands and approvals for a pullbroker server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Agent.ServerURL = server
			}
			if flags.Changed("token") {
				cfg.Token = token
			}
			if flags.Changed("root") {
				cfg.Agent.Root = root
			}
			if flags.Changed("shell") {
				cfg.Agent.Shell = shell
			}
			if flags.Changed("approve") {
				cfg.Agent.Approve = approve
			}
			if workdir == "" {
				if wd, err := os.Getwd(); err == nil {
					workdir = wd
				}
			}

			log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			ctl := agent.NewController(
				agent.NewClient(cfg.Agent.ServerURL, cfg.Token),
				agent.NewExecutor(cfg.Agent.Root, cfg.Agent.Shell),
				agent.NewPrompter(os.Stdin, os.Stderr, cfg.Agent.Approve),
				agent.Options{
					SessionID:        sessionID,
					WorkingDirectory: workdir,
					ClientVersion:    version,
					PollInterval:     cfg.PollInterval.Std(),
				},
				log,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("server", cfg.Agent.ServerURL).Str("root", cfg.Agent.Root).Msg("agent starting")
			return ctl.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file (yaml or toml)")
	f.StringVar(&server, "server", "", "broker base URL")
	f.StringVar(&token, "token", "", "shared token")
	f.StringVar(&root, "root", "", "directory file operations are confined to")
	f.StringVar(&shell, "shell", "", "shell used to run commands")
	f.StringVar(&sessionID, "session", "", "attach to an existing session instead of creating one")
	f.StringVar(&workdir, "workdir", "", "working directory registered with the session (default: current directory)")
	f.BoolVar(&approve, "approve", false, "answer approvals with yes when no terminal is attached")
	return cmd
}
