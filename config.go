package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind         string
	cleanupDelay time.Duration
	dbPath       string
	pairInterval time.Duration
	port         int
	prefix       string
	profile      bool
	roundDelay   time.Duration
	roundTimeout time.Duration
	startDelay   time.Duration
	tlsCert      string
	tlsKey       string
	totalRounds  int
	verbose      bool
	version      bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.totalRounds < 1 {
		return fmt.Errorf("invalid round count (must be at least 1): %d", c.totalRounds)
	}
	if c.roundTimeout <= 0 || c.pairInterval <= 0 {
		return errors.New("both --round-timeout and --pair-interval must be positive")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PITCHDUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "pitchduel",
		Short:         "A realtime two-player perfect-pitch duel server with rated matchmaking.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PITCHDUEL_BIND)")
	fs.DurationVar(&cfg.cleanupDelay, "cleanup-delay", 10*time.Second, "grace period before finished sessions are torn down (env: PITCHDUEL_CLEANUP_DELAY)")
	fs.StringVar(&cfg.dbPath, "db", "pitchduel.db", "path to the sqlite database (env: PITCHDUEL_DB)")
	fs.DurationVar(&cfg.pairInterval, "pair-interval", 3*time.Second, "how often the matchmaking pass runs (env: PITCHDUEL_PAIR_INTERVAL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PITCHDUEL_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: PITCHDUEL_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: PITCHDUEL_PROFILE)")
	fs.DurationVar(&cfg.roundDelay, "round-delay", 2*time.Second, "pause between rounds (env: PITCHDUEL_ROUND_DELAY)")
	fs.DurationVar(&cfg.roundTimeout, "round-timeout", 10*time.Second, "maximum length of a round (env: PITCHDUEL_ROUND_TIMEOUT)")
	fs.DurationVar(&cfg.startDelay, "start-delay", 3*time.Second, "pause between match found and the first round (env: PITCHDUEL_START_DELAY)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: PITCHDUEL_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: PITCHDUEL_TLS_KEY)")
	fs.IntVar(&cfg.totalRounds, "total-rounds", 9, "rounds per session (env: PITCHDUEL_TOTAL_ROUNDS)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: PITCHDUEL_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: PITCHDUEL_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("pitchduel v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
