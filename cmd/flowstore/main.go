// flowstore inspects and transfers workflow inputs and outputs across storage backends.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flowstore/flowstore/internal/adapter"
	"github.com/flowstore/flowstore/internal/config"
	"github.com/flowstore/flowstore/pkg/retry"
	"github.com/flowstore/flowstore/pkg/utils"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app holds the global flags and the lazily built adapter shared by all commands
type app struct {
	out io.Writer

	cfgFile   string
	logLevel  string
	logFormat string
	provider  string

	cfg       *config.Configuration
	logCloser io.Closer
	adapter   *adapter.Adapter
	opts      []adapter.Option
}

func newRootCmd(out io.Writer, opts ...adapter.Option) *cobra.Command {
	a := &app{out: out, opts: opts}

	rootCmd := &cobra.Command{
		Use:   "flowstore",
		Short: "flowstore - storage access for workflow inputs and outputs",
		Long: `flowstore resolves wildcard patterns against storage backends and runs
rate limited, space checked storage operations on the matching objects.

Queries are routed to a configured provider by protocol (s3://, gs://, az://,
http(s)://, file paths). Use --provider when several providers share a backend.

Examples:
  # Constant prefix used to prune listings
  flowstore prefix 'results/{sample}/{chunk}.bam'

  # Resolve wildcards against an S3 listing
  flowstore glob 's3://bucket/reads/{sample}_R{read,[12]}.fq.gz'

  # Retrieve every match, 8 at a time
  flowstore fetch --jobs 8 's3://bucket/reads/{sample}.fq.gz'`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "path to config file")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (console, json)")
	flags.StringVarP(&a.provider, "provider", "p", "", "configured provider to use instead of protocol routing")

	rootCmd.AddCommand(
		newPrefixCmd(a),
		newGlobCmd(a),
		newExistsCmd(a),
		newMtimeCmd(a),
		newSizeCmd(a),
		newRetrieveCmd(a),
		newStoreCmd(a),
		newRemoveCmd(a),
		newTouchCmd(a),
		newFetchCmd(a),
		newBackendsCmd(a),
		newCheckCmd(a),
	)
	return rootCmd
}

// setup loads the configuration, applies flag overrides and configures logging
func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Global.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Global.LogFormat = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closer, err := utils.SetupLogging(cfg.LogOptions())
	if err != nil {
		return err
	}
	a.cfg, a.logCloser = cfg, closer
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var err error
	if a.adapter != nil {
		err = a.adapter.Stop(ctx)
		a.adapter = nil
	}
	if a.logCloser != nil {
		if cerr := a.logCloser.Close(); err == nil {
			err = cerr
		}
		a.logCloser = nil
	}
	return err
}

// storage builds the adapter on first use
func (a *app) storage(ctx context.Context) (*adapter.Adapter, error) {
	if a.adapter != nil {
		return a.adapter, nil
	}
	ad, err := adapter.New(ctx, a.cfg, a.opts...)
	if err != nil {
		return nil, err
	}
	if err := ad.Start(ctx); err != nil {
		_ = ad.Stop(ctx)
		return nil, err
	}
	a.adapter = ad
	return ad, nil
}

// policy is the retry policy wrapped around every managed operation
func (a *app) policy() retry.Policy {
	return a.cfg.Network.Retry.Policy().WithOnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying storage operation")
	})
}
