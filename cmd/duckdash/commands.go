package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/TFMV/duckdash/cmd/duckdash/middleware"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/converter"
	"github.com/TFMV/duckdash/pkg/infrastructure/memory"
	"github.com/TFMV/duckdash/pkg/persistence"
	"github.com/TFMV/duckdash/pkg/workbench"
)

func init() {
	queryCmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run SQL against the database and print the last result",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().String("arrow", "", "write the result as an Arrow IPC stream to this file")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage materialized relation caches",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "drop <relation-id>...",
		Short: "Drop relation cache tables",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCacheDrop,
	})

	importCmd := &cobra.Command{
		Use:   "import <path-or-url>",
		Short: "Attach a database and merge its state and caches",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("param", "", "encoded attach parameter instead of a path")

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Export or import workbench state",
	}
	stateCmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write the saved state as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStateExport,
	})
	stateImportCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a JSON state file into the saved state",
		Args:  cobra.ExactArgs(1),
		RunE:  runStateImport,
	}
	stateImportCmd.Flags().Bool("replace", false, "replace the saved state instead of merging")
	stateCmd.AddCommand(stateImportCmd)

	encodeCmd := &cobra.Command{
		Use:   "encode-attach <path-or-url>",
		Short: "Print the attach parameter for a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), infrastructure.EncodeAttachParam(args[0]))
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a JWT for the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringSlice("roles", nil, "roles claim")

	rootCmd.AddCommand(queryCmd, cacheCmd, importCmd, stateCmd, encodeCmd, tokenCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	arrowPath, _ := cmd.Flags().GetString("arrow")

	return withWorkbench(cmd, func(ctx context.Context, wb *workbench.Workbench) error {
		data, err := wb.Connections().ExecuteQuery(ctx, args[0])
		if err != nil {
			return err
		}

		if arrowPath == "" {
			return writeJSON(cmd.OutOrStdout(), data)
		}

		f, err := os.Create(arrowPath)
		if err != nil {
			return err
		}
		if err := converter.WriteIPC(f, memory.NewMeteredAllocator(nil, nil), data); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", data.NumRows(), arrowPath)
		return nil
	})
}

func runCacheDrop(cmd *cobra.Command, args []string) error {
	return withWorkbench(cmd, func(ctx context.Context, wb *workbench.Workbench) error {
		for _, id := range args {
			if err := wb.Cache().DeleteCache(ctx, id); err != nil {
				return fmt.Errorf("drop cache %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", id)
		}
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	param, _ := cmd.Flags().GetString("param")
	switch {
	case param == "" && len(args) == 0:
		return fmt.Errorf("a path, URL or --param is required")
	case param == "":
		param = infrastructure.EncodeAttachParam(args[0])
	}

	return withWorkbench(cmd, func(ctx context.Context, wb *workbench.Workbench) error {
		report, err := wb.AttachAndImport(ctx, param)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), report)
	})
}

func runStateExport(cmd *cobra.Command, args []string) error {
	return withWorkbench(cmd, func(ctx context.Context, wb *workbench.Workbench) error {
		raw, err := persistence.EncodeSnapshot(wb.Store().Snapshot())
		if err != nil {
			return err
		}
		if len(args) == 0 || args[0] == "-" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		}
		return os.WriteFile(args[0], raw, 0o600)
	})
}

func runStateImport(cmd *cobra.Command, args []string) error {
	replace, _ := cmd.Flags().GetBool("replace")

	raw, err := readInput(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	snapshot, err := persistence.DecodeSnapshot(raw)
	if err != nil {
		return err
	}

	return withWorkbench(cmd, func(ctx context.Context, wb *workbench.Workbench) error {
		if replace {
			wb.Store().Rehydrate(snapshot)
			if err := wb.Store().Persist(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replaced state with %d relations\n", len(snapshot.Relations))
			return nil
		}

		added, err := wb.Store().Merge(ctx, snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "merged %d new relations\n", len(added))
		return nil
	})
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	roles, _ := cmd.Flags().GetStringSlice("roles")

	now := time.Now()
	token, err := middleware.IssueToken(cfg.Auth.JWTAuth, args[0], roles, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(strings.TrimSpace(path))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
