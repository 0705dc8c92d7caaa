package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/pkg/retry"
	"github.com/flowstore/flowstore/pkg/wildcard"
)

func newPrefixCmd(a *app) *cobra.Command {
	var strip bool
	cmd := &cobra.Command{
		Use:   "prefix <pattern>",
		Short: "Print the constant prefix of a pattern",
		Long: `Print the text of a pattern before its first wildcard. With
--strip-incomplete the prefix is cut back to the last path separator so it
never ends in a partial path component. Patterns without wildcards are
printed unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			fmt.Fprintln(a.out, wildcard.ConstantPrefix(args[0], strip))
			return nil
		},
	}
	cmd.Flags().BoolVar(&strip, "strip-incomplete", false, "strip incomplete trailing path components")
	return cmd
}

func newGlobCmd(a *app) *cobra.Command {
	var local, followSymlinks bool
	cmd := &cobra.Command{
		Use:   "glob <pattern>",
		Short: "Resolve the wildcard values of a pattern",
		Long: `List the candidates below the constant prefix of a pattern and print the
wildcard values of every match, one row per match.

Without --local the candidates come from the provider's listing; with
--local the directory implied by the pattern is walked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var bindings *wildcard.Bindings
			var err error
			if local {
				bindings, err = wildcard.Glob(ctx, args[0], wildcard.GlobOptions{FollowSymlinks: followSymlinks})
			} else {
				bindings, err = a.glob(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return a.printBindings(bindings)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "walk the local filesystem instead of listing a provider")
	cmd.Flags().BoolVar(&followSymlinks, "follow-symlinks", false, "descend into symlinked directories with --local")
	return cmd
}

func (a *app) glob(ctx context.Context, pattern string) (*wildcard.Bindings, error) {
	provider, err := a.resolveProvider(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, a.policy(), func(ctx context.Context) (*wildcard.Bindings, error) {
		return provider.Glob(ctx, pattern)
	})
}

func (a *app) resolveProvider(ctx context.Context, query string) (*storage.Provider, error) {
	ad, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	return ad.Resolve(a.provider, query)
}

// localMtime returns the modification time of a local copy in seconds
func localMtime(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.ModTime().UnixNano()) / 1e9, nil
}

func (a *app) printBindings(b *wildcard.Bindings) error {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	if len(b.Names) > 0 {
		fmt.Fprintln(w, strings.ToUpper(strings.Join(b.Names, "\t")))
	}
	err := b.Each(func(_ int, row map[string]string) error {
		values := make([]string, len(b.Names))
		for i, name := range b.Names {
			values[i] = row[name]
		}
		_, err := fmt.Fprintln(w, strings.Join(values, "\t"))
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Debug().Int("matches", b.Matches).Msg("Glob complete")
	return nil
}

// object resolves query to a managed object of the selected provider
func (a *app) object(ctx context.Context, query string, opts ...storage.ObjectOption) (*storage.Object, error) {
	provider, err := a.resolveProvider(ctx, query)
	if err != nil {
		return nil, err
	}
	return provider.Object(query, opts...)
}

func newExistsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <query>",
		Short: "Report whether an object exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[0])
			if err != nil {
				return err
			}
			exists, err := retry.Do(ctx, a.policy(), o.ManagedExists)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, exists)
			return nil
		},
	}
}

func newMtimeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mtime <query>",
		Short: "Print the modification time of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[0])
			if err != nil {
				return err
			}
			mtime, err := retry.Do(ctx, a.policy(), o.ManagedMtime)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%.6f\t%s\n", mtime, formatMtime(mtime))
			return nil
		},
	}
}

func formatMtime(mtime float64) string {
	if math.IsInf(mtime, -1) || mtime == 0 {
		return "unknown"
	}
	sec, frac := math.Modf(mtime)
	t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return t.Format(time.RFC3339) + " (" + humanize.Time(t) + ")"
}

func newSizeCmd(a *app) *cobra.Command {
	var footprint bool
	cmd := &cobra.Command{
		Use:   "size <query>",
		Short: "Print the size of an object",
		Long: `Print the size of an object in bytes. Directories report 0; use
--footprint for the space a local copy would take.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[0])
			if err != nil {
				return err
			}
			fn := o.ManagedSize
			if footprint {
				fn = o.ManagedLocalFootprint
			}
			size, err := retry.Do(ctx, a.policy(), fn)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d\t%s\n", size, humanize.IBytes(uint64(max(size, 0))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&footprint, "footprint", false, "report the local footprint, summing directory contents")
	return cmd
}

func newRetrieveCmd(a *app) *cobra.Command {
	var localPath string
	var keepLocal bool
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Copy an object to local storage",
		Long: `Copy an object below the provider's local prefix, or to --local-path.
The retrieval waits for free disk space when the provider is configured to,
and a failed retrieval leaves no partial copy behind.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := []storage.ObjectOption{storage.WithKeepLocal(keepLocal)}
			if localPath != "" {
				opts = append(opts, storage.WithLocalPath(localPath))
			}
			o, err := a.object(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			if err := a.policy().Do(ctx, o.ManagedRetrieve); err != nil {
				return err
			}
			fmt.Fprintln(a.out, o.LocalPath())
			return nil
		},
	}
	cmd.Flags().StringVarP(&localPath, "local-path", "o", "", "destination instead of the local prefix")
	cmd.Flags().BoolVar(&keepLocal, "keep-local", true, "keep the local copy")
	return cmd
}

func newStoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "store <local-path> <query>",
		Short: "Upload a local file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[1], storage.WithLocalPath(args[0]), storage.WithKeepLocal(true))
			if err != nil {
				return err
			}
			if err := a.policy().Do(ctx, o.ManagedStore); err != nil {
				return err
			}
			fmt.Fprintln(a.out, o.PrintQuery())
			return nil
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <query>",
		Aliases: []string{"rm"},
		Short:   "Delete a remote object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[0])
			if err != nil {
				return err
			}
			return a.policy().Do(ctx, o.ManagedRemove)
		},
	}
}

func newTouchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "touch <query>",
		Short: "Update the modification time of a remote object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.object(ctx, args[0])
			if err != nil {
				return err
			}
			return a.policy().Do(ctx, o.ManagedTouch)
		},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	var jobs int
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch <pattern>",
		Short: "Retrieve every object matching a pattern",
		Long: `Glob a pattern on a provider and retrieve the matches concurrently.
Local copies newer than the remote object are skipped unless --force is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := a.resolveProvider(ctx, args[0])
			if err != nil {
				return err
			}
			objects, err := retry.Do(ctx, a.policy(), func(ctx context.Context) ([]*storage.Object, error) {
				return provider.Objects(ctx, args[0], storage.WithKeepLocal(true))
			})
			if err != nil {
				return err
			}

			pending, err := a.stale(ctx, objects, force)
			if err != nil {
				return err
			}
			if jobs <= 0 {
				jobs = a.cfg.Global.MaxConcurrency
			}
			start := time.Now()
			err = a.policy().Do(ctx, func(ctx context.Context) error {
				return storage.RetrieveAll(ctx, pending, jobs)
			})
			if err != nil {
				return err
			}

			paths := make([]string, 0, len(objects))
			for _, o := range objects {
				paths = append(paths, o.LocalPath())
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Fprintln(a.out, p)
			}
			log.Info().
				Int("matches", len(objects)).
				Int("retrieved", len(pending)).
				Dur("elapsed", time.Since(start)).
				Msg("Fetch complete")
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "concurrent retrievals (default: global.max_concurrency)")
	cmd.Flags().BoolVar(&force, "force", false, "retrieve even when the local copy is up to date")
	return cmd
}

// stale returns the objects whose local copy is missing or older than the
// remote object. The first object's listing primes the inventory cache.
func (a *app) stale(ctx context.Context, objects []*storage.Object, force bool) ([]*storage.Object, error) {
	if force || len(objects) == 0 {
		return objects, nil
	}
	ad, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*storage.Object
	for _, o := range objects {
		if err := o.Inventory(ctx, ad.Inventory()); err != nil {
			return nil, err
		}
		local, err := localMtime(o.LocalPath())
		if err != nil {
			pending = append(pending, o)
			continue
		}
		newer, err := retry.Do(ctx, a.policy(), func(ctx context.Context) (bool, error) {
			return o.IsNewer(ctx, local)
		})
		if err != nil {
			return nil, err
		}
		if newer {
			pending = append(pending, o)
		}
	}
	return pending, nil
}

func newBackendsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured providers and their backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ad, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tBACKEND\tCAPABILITIES\tPROTOCOLS\tRATE LIMIT\tBREAKER\tEXAMPLE")
			for _, name := range ad.Config().ProviderNames() {
				p, err := ad.Provider(name)
				if err != nil {
					return err
				}
				b := p.Backend()
				rate := "off"
				if limiter := p.RateLimiter(); limiter.Enabled() {
					rate = limiter.Rate().String()
				}
				breaker := "off"
				if p.Breakers().Enabled() {
					breaker = "on"
					if open := p.Breakers().Open(); len(open) > 0 {
						breaker = "open: " + strings.Join(open, ",")
					}
				}
				example := ""
				if ex := b.ExampleQueries(); len(ex) > 0 {
					example = ex[0].Query
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					name, b.Name(), b.Capabilities(), strings.Join(b.AvailableProtocols(), ","), rate, breaker, example)
			}
			return w.Flush()
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run health checks against the configured providers",
		Long: `Check that every local prefix is writable and has the configured free
space, that probe objects exist and that no circuit breaker is open.
Exits non-zero when a critical check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ad, err := a.storage(ctx)
			if err != nil {
				return err
			}
			checker, err := ad.HealthChecker()
			if err != nil {
				return err
			}
			report := checker.Run(ctx)

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tPRIORITY\tDURATION\tDETAIL")
			for _, r := range report.Results {
				detail := r.Description
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Check, r.Status, r.Priority, r.Duration.Round(time.Millisecond), detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "\noverall: %s\n", report.Status)
			if !report.Healthy() {
				return fmt.Errorf("health checks failed")
			}
			return nil
		},
	}
}
