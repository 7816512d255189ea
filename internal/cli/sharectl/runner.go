// Package sharectl implements the recipient command line: discovery,
// manifests and local reads of shared tables.
package sharectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/duckshare/internal/client"
	"github.com/duckmesh/duckshare/internal/fetch"
	"github.com/duckmesh/duckshare/internal/profile"
	"github.com/duckmesh/duckshare/internal/sharing"
)

const ProfileEnv = "DUCKSHARE_PROFILE_FILE"

type Options struct {
	Profile      string
	Timeout      time.Duration
	FetchTimeout time.Duration
	Parallelism  int
	HTTPClient   *http.Client
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *slog.Logger
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// Run executes one command and returns the process exit code: 0 on
// success, 1 when the command failed and 2 on bad usage.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCmd(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

type runner struct {
	defaults     Options
	stdout       io.Writer
	profile      string
	timeout      time.Duration
	fetchTimeout time.Duration
	parallelism  int
}

func newRootCmd(defaults Options, stdout io.Writer) *cobra.Command {
	r := &runner{defaults: defaults, stdout: stdout}

	root := &cobra.Command{
		Use:           "sharectl",
		Short:         "Browse and read tables shared over the sharing protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err} })
	root.PersistentFlags().StringVar(&r.profile, "profile", defaults.Profile, "profile file path or URL (env "+ProfileEnv+")")
	root.PersistentFlags().DurationVar(&r.timeout, "timeout", durationOr(defaults.Timeout, client.DefaultTimeout), "per request timeout")
	root.PersistentFlags().DurationVar(&r.fetchTimeout, "fetch-timeout", durationOr(defaults.FetchTimeout, fetch.DefaultBaseTimeout), "base timeout per data file")
	root.PersistentFlags().IntVar(&r.parallelism, "parallelism", intOr(defaults.Parallelism, fetch.DefaultParallelism), "concurrent data file downloads")

	root.AddCommand(
		r.sharesCmd(),
		r.schemasCmd(),
		r.tablesCmd(),
		r.allTablesCmd(),
		r.metadataCmd(),
		r.versionCmd(),
		r.queryCmd(),
		r.loadCmd(),
	)
	return root
}

func (r *runner) sharesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shares",
		Short: "List the shares visible to the profile",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := r.client(cmd.Context(), "")
			if err != nil {
				return err
			}
			shares, err := c.ListShares(cmd.Context())
			if err != nil {
				return err
			}
			return r.printJSON(shares)
		},
	}
}

func (r *runner) schemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas <share>",
		Short: "List the schemas of a share",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client(cmd.Context(), "")
			if err != nil {
				return err
			}
			schemas, err := c.ListSchemas(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.printJSON(schemas)
		},
	}
}

func (r *runner) tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables <share> <schema>",
		Short: "List the tables of a schema",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client(cmd.Context(), "")
			if err != nil {
				return err
			}
			tables, err := c.ListTables(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return r.printJSON(tables)
		},
	}
}

func (r *runner) allTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all-tables <share>",
		Short: "List every table of a share",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client(cmd.Context(), "")
			if err != nil {
				return err
			}
			tables, err := c.ListAllTables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.printJSON(tables)
		},
	}
}

func (r *runner) metadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <table>",
		Short: "Show the protocol and metadata of a table",
		Long:  "The table is share.schema.table, or <profile>#share.schema.table to name the profile inline.",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ref, err := r.tableClient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			metadata, err := c.GetTableMetadata(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return r.printJSON(map[string]any{
				"table":    ref.String(),
				"version":  metadata.Version,
				"protocol": metadata.Protocol,
				"metaData": metadata.Metadata,
			})
		},
	}
}

func (r *runner) versionCmd() *cobra.Command {
	var startingTimestamp string
	cmd := &cobra.Command{
		Use:   "version <table>",
		Short: "Show the latest table version",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ref, err := r.tableClient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			at, err := optionalTimestamp(startingTimestamp)
			if err != nil {
				return err
			}
			version, err := c.GetTableVersion(cmd.Context(), ref, at)
			if err != nil {
				return err
			}
			return r.printJSON(sharing.TableVersionResponse{Version: version})
		},
	}
	cmd.Flags().StringVar(&startingTimestamp, "starting-timestamp", "", "resolve the version current at this time")
	return cmd
}

type selection struct {
	hints     []string
	limit     int64
	version   int64
	timestamp string
}

func (s *selection) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&s.limit, "limit", -1, "row limit")
	cmd.Flags().Int64Var(&s.version, "at-version", -1, "read this table version")
	cmd.Flags().StringVar(&s.timestamp, "at-timestamp", "", "read the version current at this time")
}

func (s *selection) queryOptions() (client.QueryOptions, error) {
	opts := client.QueryOptions{PredicateHints: s.hints}
	if s.limit >= 0 {
		limit := s.limit
		opts.LimitHint = &limit
	}
	if s.version >= 0 {
		version := s.version
		opts.Version = &version
	}
	at, err := optionalTimestamp(s.timestamp)
	if err != nil {
		return client.QueryOptions{}, err
	}
	opts.Timestamp = at
	return opts, nil
}

func (r *runner) queryCmd() *cobra.Command {
	var sel selection
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Print the file manifest for a table version",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ref, err := r.tableClient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts, err := sel.queryOptions()
			if err != nil {
				return err
			}
			manifest, err := c.QueryTable(cmd.Context(), ref, opts)
			if err != nil {
				return err
			}
			files := manifest.Files
			if files == nil {
				files = []sharing.File{}
			}
			for i := range files {
				files[i].URL = sharing.RedactURL(files[i].URL)
			}
			return r.printJSON(map[string]any{
				"table":    ref.String(),
				"version":  manifest.Version,
				"protocol": manifest.Protocol,
				"metaData": manifest.Metadata,
				"files":    files,
			})
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringArrayVar(&sel.hints, "hint", nil, "predicate hint sent to the server (repeatable)")
	return cmd
}

func (r *runner) loadCmd() *cobra.Command {
	var sel selection
	var where string
	var columns []string
	cmd := &cobra.Command{
		Use:   "load <table>",
		Short: "Download a table version and print its rows as JSON lines",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ref, err := r.tableClient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts, err := sel.queryOptions()
			if err != nil {
				return err
			}
			fetcher := &fetch.Fetcher{
				HTTPClient:  r.defaults.HTTPClient,
				Parallelism: r.parallelism,
				BaseTimeout: r.fetchTimeout,
				Logger:      r.defaults.Logger,
			}
			result, err := client.NewTableReader(c, fetcher).Read(cmd.Context(), ref, client.ReadOptions{
				Where:     where,
				Columns:   columns,
				Limit:     opts.LimitHint,
				Version:   opts.Version,
				Timestamp: opts.Timestamp,
			})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(r.stdout)
			for _, record := range result.Records {
				if err := encoder.Encode(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringVar(&where, "where", "", "filter applied to the loaded rows, e.g. \"age > 30 AND city = 'boston'\"")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "comma separated columns to print, in order")
	return cmd
}

func (r *runner) client(ctx context.Context, location string) (*client.Client, error) {
	location = firstNonEmpty(location, r.profile)
	if location == "" {
		return nil, &usageError{fmt.Errorf("a profile is required: pass --profile or set %s", ProfileEnv)}
	}
	p, err := profile.Load(ctx, location, profile.LoadOptions{HTTPClient: r.defaults.HTTPClient, Timeout: r.timeout})
	if err != nil {
		return nil, err
	}
	return client.New(p, client.Options{
		HTTPClient: r.defaults.HTTPClient,
		Timeout:    r.timeout,
		Logger:     r.defaults.Logger,
	})
}

// tableClient accepts share.schema.table or <profile>#share.schema.table.
func (r *runner) tableClient(ctx context.Context, arg string) (*client.Client, sharing.TableRef, error) {
	location := ""
	var ref sharing.TableRef
	var err error
	if strings.Contains(arg, "#") {
		location, ref, err = profile.ParseTableURL(arg)
	} else {
		ref, err = sharing.ParseTableRef(arg)
	}
	if err != nil {
		return nil, sharing.TableRef{}, &usageError{err}
	}
	c, err := r.client(ctx, location)
	if err != nil {
		return nil, sharing.TableRef{}, err
	}
	return c, ref, nil
}

func (r *runner) printJSON(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if pretty, ok := prettyJSON(raw); ok {
		_, err = fmt.Fprintln(r.stdout, pretty)
		return err
	}
	_, err = fmt.Fprintln(r.stdout, string(raw))
	return err
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{fmt.Errorf("%w\nusage: %s", err, cmd.UseLine())}
		}
		return nil
	}
}

func optionalTimestamp(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	ts, err := sharing.ParseTimestamp(raw)
	if err != nil {
		return nil, &usageError{err}
	}
	return &ts, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(b)
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
