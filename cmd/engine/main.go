// Command engine is the minimal admin CLI over the Tag Filter Engine
// library: purge a workspace, dump its introspection stats, or rebuild
// its bitmaps from the catalog's authoritative assignment state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/pkg/engine"
)

const (
	exitOK         = 0
	exitInvalidArg = 64
	exitNotFound   = 65
	exitIOErr      = 70
	exitCorrupt    = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	logConfig := zap.NewProductionConfig()
	logConfig.DisableStacktrace = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()

	var workspace string

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Tag Filter Engine admin commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace id (required)")

	withHandle := func(fn func(ctx context.Context, h *engine.Handle) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if workspace == "" {
				return usageError{errors.New("--workspace is required")}
			}
			ctx := cmd.Context()
			cfg := engine.ConfigFromEnv(engine.DefaultConfig())
			h, err := engine.OpenWorkspace(ctx, workspace, cfg, log)
			if err != nil {
				return err
			}
			defer h.Close()
			return fn(ctx, h)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete all durable and cached state for a workspace",
		RunE: withHandle(func(ctx context.Context, h *engine.Handle) error {
			return h.Purge(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print workspace introspection as JSON",
		RunE: withHandle(func(ctx context.Context, h *engine.Handle) error {
			stats, err := h.Introspect(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "rebuild-index",
		Short: "Reconstruct every tag bitmap and the live bitmap from catalog state",
		RunE: withHandle(func(ctx context.Context, h *engine.Handle) error {
			return h.RebuildIndex(ctx)
		}),
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// usageError marks argument problems the CLI itself detects, mapped to the
// same exit code as engine-level invalid input.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }

func exitCode(err error) int {
	var u usageError
	switch {
	case errors.As(err, &u), errors.Is(err, engine.ErrInvalidQuery):
		return exitInvalidArg
	case errors.Is(err, engine.ErrNotFound):
		return exitNotFound
	case errors.Is(err, engine.ErrCorrupt):
		return exitCorrupt
	default:
		return exitIOErr
	}
}
