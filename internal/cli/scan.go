package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
)

// ScanCmd returns the scan command
func ScanCmd() *cobra.Command {
	var namespaceIDs []string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan namespaces for new dead-lettered messages once",
		Long: `Run a single detection pass and exit.

Without --namespace every active namespace is scanned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, flush, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer flush()

			ctx := cmd.Context()
			app := newApp(cfg, logger)
			defer app.Close()
			if err := app.OpenStore(ctx); err != nil {
				return err
			}
			if err := app.OpenRedis(ctx); err != nil {
				return err
			}
			if err := app.Wire(); err != nil {
				return err
			}

			var ids []uuid.UUID
			for _, raw := range namespaceIDs {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid namespace id %q: %w", raw, err)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				active, err := app.Directory.ListActive(ctx)
				if err != nil {
					return err
				}
				for _, ns := range active {
					ids = append(ids, ns.ID)
				}
			}

			var failed int
			for _, id := range ids {
				found, err := app.Scanner.ScanNamespace(ctx, id)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new records\n", id, found)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d namespaces failed to scan", failed, len(ids))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&namespaceIDs, "namespace", nil, "namespace id to scan (repeatable)")
	return cmd
}
