// Package admin implements the provider command line: shares, schemas,
// tables, recipients, grants and table publishing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/duckshare/internal/auth"
	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/profile"
	"github.com/duckmesh/duckshare/internal/publish"
	"github.com/duckmesh/duckshare/internal/sharing"
	"github.com/duckmesh/duckshare/internal/storage"
)

// Catalog is what the admin commands need from the catalog.
type Catalog interface {
	catalog.Writer
	publish.Catalog
}

type Options struct {
	Catalog     Catalog
	ObjectStore storage.ObjectStore
	// Endpoint is written into the profiles handed to new recipients.
	Endpoint       string
	MaxRowsPerFile int
	Logger         *slog.Logger
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
	Clock          func() time.Time
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// Run executes one admin command and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Stdin == nil {
		opts.Stdin = strings.NewReader("")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

type runner struct {
	opts Options
}

func newRootCmd(opts Options) *cobra.Command {
	r := &runner{opts: opts}
	root := &cobra.Command{
		Use:           "duckshare-admin",
		Short:         "Manage shares, recipients and published table versions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err} })
	root.AddCommand(
		r.createShareCmd(),
		r.createSchemaCmd(),
		r.createTableCmd(),
		r.createRecipientCmd(),
		r.grantCmd(),
		r.publishCmd(),
	)
	return root
}

func (r *runner) createShareCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "create-share <name>",
		Short: "Create a share",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			share, err := r.opts.Catalog.CreateShare(cmd.Context(), catalog.CreateShareInput{Name: args[0], Comment: comment})
			if err != nil {
				return err
			}
			return r.printJSON(map[string]string{"share": share.Name, "id": share.ShareID})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free text shown to providers")
	return cmd
}

func (r *runner) createSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-schema <share> <schema>",
		Short: "Create a schema inside a share",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := r.opts.Catalog.CreateSchema(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return r.printJSON(map[string]string{"share": schema.ShareName, "schema": schema.Name})
		},
	}
}

func (r *runner) createTableCmd() *cobra.Command {
	var description, schemaFile string
	var partitionBy []string
	cmd := &cobra.Command{
		Use:   "create-table <share.schema.table>",
		Short: "Create a table; with --schema-file it starts at an empty version 0",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			schemaString, err := readSchemaFile(schemaFile)
			if err != nil {
				return err
			}
			table, err := r.opts.Catalog.CreateTable(cmd.Context(), catalog.CreateTableInput{
				ShareName:        ref.Share,
				SchemaName:       ref.Schema,
				Name:             ref.Name,
				Description:      description,
				SchemaString:     schemaString,
				PartitionColumns: partitionBy,
			})
			if err != nil {
				return err
			}
			return r.printJSON(map[string]string{"table": ref.String(), "id": table.TableID})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "table description")
	cmd.Flags().StringVar(&schemaFile, "schema-file", "", "file holding the table schema string")
	cmd.Flags().StringSliceVar(&partitionBy, "partition-by", nil, "partition columns")
	return cmd
}

func (r *runner) createRecipientCmd() *cobra.Command {
	var endpoint string
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "create-recipient <name>",
		Short: "Create a recipient and print its credential profile",
		Long:  "The bearer token appears only in the printed profile; the catalog keeps its hash.",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint = firstNonEmpty(endpoint, r.opts.Endpoint)
			if endpoint == "" {
				return &usageError{errors.New("--endpoint is required")}
			}
			var expiresAt time.Time
			var tokenExpiry *time.Time
			if expiresIn > 0 {
				expiresAt = r.opts.Clock().Add(expiresIn).UTC().Truncate(time.Second)
				tokenExpiry = &expiresAt
			}

			token := auth.GenerateToken()
			p, err := profile.New(endpoint, token, expiresAt)
			if err != nil {
				return err
			}
			if _, err := r.opts.Catalog.CreateRecipient(cmd.Context(), args[0]); err != nil {
				return err
			}
			if _, err := r.opts.Catalog.AddRecipientToken(cmd.Context(), catalog.AddRecipientTokenInput{
				RecipientName: args[0],
				TokenHash:     auth.HashToken(token),
				ExpiresAt:     tokenExpiry,
			}); err != nil {
				return err
			}
			return r.printJSON(p)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "sharing server URL written into the profile")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime; zero never expires")
	return cmd
}

func (r *runner) grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <share> <recipient>",
		Short: "Grant a recipient read access to a share",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.opts.Catalog.GrantShare(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return r.printJSON(map[string]string{"share": args[0], "recipient": args[1]})
		},
	}
}

func (r *runner) publishCmd() *cobra.Command {
	var rowsFile, schemaFile, mode string
	var partitionBy []string
	cmd := &cobra.Command{
		Use:   "publish <share.schema.table>",
		Short: "Publish JSON lines as a new table version",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			if r.opts.ObjectStore == nil {
				return errors.New("publish needs an object store")
			}
			schemaString, err := readSchemaFile(schemaFile)
			if err != nil {
				return err
			}
			input, closeInput, err := r.openRows(rowsFile)
			if err != nil {
				return err
			}
			defer closeInput()
			rows, err := publish.ReadRows(input)
			if err != nil {
				return err
			}

			svc := &publish.Service{
				Catalog:     r.opts.Catalog,
				ObjectStore: r.opts.ObjectStore,
				Config:      publish.Config{MaxRowsPerFile: r.opts.MaxRowsPerFile, CommittedBy: "duckshare-admin"},
				Logger:      r.opts.Logger,
			}
			result, err := svc.Publish(cmd.Context(), publish.Request{
				Table:            ref,
				Mode:             publish.Mode(mode),
				SchemaString:     schemaString,
				PartitionColumns: partitionBy,
				Rows:             rows,
			})
			if err != nil {
				return err
			}
			return r.printJSON(map[string]any{
				"table":   ref.String(),
				"version": result.Version,
				"files":   len(result.Files),
				"records": result.RecordCount,
			})
		},
	}
	cmd.Flags().StringVar(&rowsFile, "rows", "-", "JSON lines file, - for stdin")
	cmd.Flags().StringVar(&schemaFile, "schema-file", "", "schema for the new version; empty keeps the current schema")
	cmd.Flags().StringVar(&mode, "mode", string(publish.ModeAppend), "append or overwrite")
	cmd.Flags().StringSliceVar(&partitionBy, "partition-by", nil, "partition columns, with --schema-file")
	return cmd
}

func (r *runner) openRows(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return r.opts.Stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

func (r *runner) printJSON(value any) error {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.opts.Stdout, string(formatted))
	return err
}

func parseRef(raw string) (sharing.TableRef, error) {
	ref, err := sharing.ParseTableRef(raw)
	if err != nil {
		return sharing.TableRef{}, &usageError{err}
	}
	return ref, nil
}

func readSchemaFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	schemaString := strings.TrimSpace(string(raw))
	if _, err := sharing.ParseSchema(schemaString); err != nil {
		return "", &usageError{fmt.Errorf("schema file %s: %w", path, err)}
	}
	return schemaString, nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{fmt.Errorf("%w\nusage: %s", err, cmd.UseLine())}
		}
		return nil
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(b)
}
