package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerkoleci/rbfx/internal/app"
	"github.com/amerkoleci/rbfx/internal/config"
)

type rootFlags struct {
	configPath string
	prefabs    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "replicad",
		Short:         "Entity replication server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.prefabs, "prefabs", "", "prefab library (overrides config)")

	root.AddCommand(newServeCmd(flags), newConnectCmd(flags), newPrefabsCmd(flags))
	return root
}

func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.prefabs != "" {
		cfg.Prefabs = f.prefabs
	}
	return cfg, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var httpAddr, quicAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("quic") {
				cfg.Server.QUICAddr = quicAddr
			}
			return app.RunServer(cmd.Context(), cfg, app.Options{Stdout: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP and websocket listen address")
	cmd.Flags().StringVar(&quicAddr, "quic", "", "QUIC listen address (empty disables)")
	return cmd
}

func newConnectCmd(flags *rootFlags) *cobra.Command {
	var duration time.Duration
	var insecure bool
	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Mirror a server and report replica state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.URL = args[0]
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Client.Insecure = insecure
			}
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return app.RunClient(ctx, cfg, app.Options{Stdout: cmd.OutOrStdout()}, nil)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS verification for quic:// servers")
	return cmd
}

func newPrefabsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prefabs",
		Short: "Validate the prefab library and print each behavior layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			library, err := app.LoadLibrary(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ref := range library.Names() {
				def, _ := library.Lookup(ref)
				layout, err := library.Layout(ref)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%s\t%s", ref, def.ObjectKind())
				if len(layout) > 0 {
					parts := make([]string, len(layout))
					for bit, name := range layout {
						parts[bit] = fmt.Sprintf("%d:%s", bit, name)
					}
					line += "\t" + strings.Join(parts, " ")
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
