package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/recall/internal/app"
	"github.com/ent0n29/recall/internal/config"
)

func newCheckCmd(cfg *config.Config) *cobra.Command {
	var initSchema bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify memory store connectivity and embedding dimensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mem, err := app.BuildMemory(cmd.Context(), *cfg, initSchema)
			if err != nil {
				return err
			}
			defer mem.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: backend=%s embedder=%s dimensions=%d\n",
				cfg.MemoryBackend, cfg.EmbeddingProvider, mem.Store.Dimensions())
			return nil
		},
	}
	cmd.Flags().BoolVar(&initSchema, "init-schema", false, "create the vector extension, table and indexes if missing (postgres only)")
	return cmd
}
