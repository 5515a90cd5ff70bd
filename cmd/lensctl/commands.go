package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meigma/lens"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/record"
	"github.com/meigma/lens/stack"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lensctl",
		Short: "Focus records on archive entries and restore them",
		Long: `lensctl operates on record directories: a payload file plus an
attributes.yaml file. Focus replaces an archive payload with one of its
entries and stashes the rest; unfocus rebuilds the archive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	a.bindFlags(root)
	root.AddCommand(
		newImportCmd(),
		newExportCmd(),
		newFocusCmd(a),
		newUnfocusCmd(a),
		newEditCmd(a),
		newStackCmd(),
		newPruneCmd(a),
	)
	return root
}

func newImportCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import <dir> <archive|->",
		Short: "Create a record directory holding an archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := record.Open(args[0]); err == nil {
					return fmt.Errorf("record %s already exists (use --force to replace it)", args[0])
				}
			}
			in, closeIn, err := openInput(cmd, args[1])
			if err != nil {
				return err
			}
			defer closeIn()
			if _, err := record.Create(args[0], in); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing record")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir> [file|-]",
		Short: "Write the record payload to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := record.Open(args[0])
			if err != nil {
				return err
			}
			payload, err := rec.OpenPayload()
			if err != nil {
				return err
			}
			defer payload.Close()

			if len(args) == 1 || args[1] == "-" {
				_, err = io.Copy(cmd.OutOrStdout(), payload)
				return err
			}
			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, payload); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		},
	}
}

func newFocusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "focus <dir> <entry>",
		Short: "Make one archive entry the record payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transition(cmd, args[0], func(ctx context.Context, l *lens.Lens, rec *record.Dir) (*lens.Result, error) {
				return l.Focus(ctx, rec, args[1])
			})
		},
	}
}

func newUnfocusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unfocus <dir>",
		Short: "Rebuild the archive the record was focused from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transition(cmd, args[0], func(ctx context.Context, l *lens.Lens, rec *record.Dir) (*lens.Result, error) {
				return l.Unfocus(ctx, rec)
			})
		},
	}
}

func newEditCmd(a *app) *cobra.Command {
	var (
		kind string
		op   edit.Op
	)
	cmd := &cobra.Command{
		Use:   "edit <dir>",
		Short: "Remove, copy, move or touch an entry of the archive payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := edit.ParseKind(kind)
			if err != nil {
				return err
			}
			op.Kind = k
			return a.transition(cmd, args[0], func(ctx context.Context, l *lens.Lens, rec *record.Dir) (*lens.Result, error) {
				return l.Manipulate(ctx, rec, op)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "op", "", "operation: remove, copy, move or touch")
	f.StringVar(&op.Target, "target", "", "entry to remove, copy or move")
	f.StringVar(&op.Destination, "dest", "", "name of the copied, moved or touched entry")
	f.StringVar(&op.After, "after", "", "insert after this entry")
	f.StringVar(&op.Before, "before", "", "insert before this entry")
	_ = cmd.MarkFlagRequired("op")
	cmd.MarkFlagsMutuallyExclusive("after", "before")
	return cmd
}

func newStackCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stack <dir>",
		Short: "Print the lens stack of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := record.Open(args[0])
			if err != nil {
				return err
			}
			s, err := stack.Load(rec)
			if err != nil {
				return err
			}
			views := s.Views()
			if views == nil {
				views = []stack.View{}
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			case "yaml":
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(views); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

// pruner is implemented by stash backends that can drop abandoned entries.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

func newPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stashed entries left behind by abandoned records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStash()
			if err != nil {
				return err
			}
			p, ok := s.(pruner)
			if !ok {
				return errors.New("stash backend does not support pruning")
			}
			n, err := p.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			unit := "bytes"
			if a.cfg.Stash == backendSQLite {
				unit = "entries"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d %s\n", n, unit)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "prune entries stashed longer ago than this")
	return cmd
}

// transition runs one engine operation against a record directory and
// commits the record only when it succeeds. Entries restored by an unfocus
// are released from the stash after the commit.
func (a *app) transition(cmd *cobra.Command, dir string, run func(context.Context, *lens.Lens, *record.Dir) (*lens.Result, error)) error {
	l, err := a.engine()
	if err != nil {
		return err
	}
	rec, err := record.Open(dir)
	if err != nil {
		return err
	}
	res, err := run(cmd.Context(), l, rec)
	if err != nil {
		if rbErr := rec.Rollback(); rbErr != nil {
			a.logger.Warn("rollback failed", "dir", dir, "error", rbErr)
		}
		return err
	}
	if err := rec.Commit(); err != nil {
		if len(res.Keys) > 0 {
			a.logger.Error("record not committed, stash entries left behind",
				"dir", dir, "op", res.Op, "keys", res.Keys)
		}
		return fmt.Errorf("commit record: %w", err)
	}
	if res.Op == lens.OpUnfocus {
		if err := l.Release(cmd.Context(), res.Keys); err != nil {
			a.logger.Warn("failed to release restored entries", "dir", dir, "error", err)
		}
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(w io.Writer, res *lens.Result) {
	fmt.Fprintf(w, "%s %q depth=%d entries=%d", res.Op, res.Entry, res.Depth, res.Entries)
	if res.Missed {
		fmt.Fprint(w, " missed")
	}
	fmt.Fprintln(w)
}

// openInput opens path for reading; "-" is stdin.
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // user supplied input path
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
