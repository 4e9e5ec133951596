package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ethanyzhang/delta-go"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	viper      *viper.Viper
	configFile string
	registry   *prometheus.Registry
	metrics    *delta.Metrics
	cfg        *Config
	server     *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{viper: viper.New(), registry: prometheus.NewRegistry()}
	a.metrics = delta.NewMetrics(a.registry)

	root := &cobra.Command{
		Use:           "deltaquery",
		Short:         "Run SQL statements on a Databricks SQL warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.shutdown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("workspace-url", "", "workspace URL, e.g. https://adb-123.azuredatabricks.net")
	flags.String("workspace-id", "", "Azure Databricks workspace id, used when no URL is given")
	flags.String("warehouse-id", "", "SQL warehouse id")
	flags.String("token", "", "personal access token")
	flags.String("catalog", "", "default catalog (hive_metastore when empty)")
	flags.String("schema", "", "default schema")
	flags.String("connection", "", "named profile in connections.toml")
	flags.String("secrets", "", "secret store for missing credentials: keyvault, keyring or env")
	flags.String("vault-url", "", "Azure Key Vault URL (defaults to $KeyVaultUri)")
	flags.String("log-level", zerolog.LevelInfoValue, "log level")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.Duration("poll-interval", delta.DefaultPollInterval, "interval between statement status polls")
	flags.Int("max-poll-attempts", 0, "give up after this many polls, 0 for no limit")
	_ = a.viper.BindPFlags(flags)

	root.AddCommand(newQueryCmd(a), newWarehouseCmd(a), newHistoryCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.viper, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
	}
	return nil
}

func (a *app) shutdown() {
	if a.server != nil {
		_ = a.server.Close()
	}
}
