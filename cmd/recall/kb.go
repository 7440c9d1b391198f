package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/recall/internal/app"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/memory"
)

func newKBCmd(cfg *config.Config) *cobra.Command {
	var tenantID string
	kb := &cobra.Command{
		Use:   "kb",
		Short: "Manage curated knowledge base entries",
	}
	kb.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	_ = kb.MarkPersistentFlagRequired("tenant")

	var metadata string
	upsert := &cobra.Command{
		Use:   "upsert <category> <entity-id> <content>",
		Short: "Embed and store one entry, replacing any live entry with the same key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if strings.TrimSpace(metadata) != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}
			mem, err := app.BuildMemory(cmd.Context(), *cfg, false)
			if err != nil {
				return err
			}
			defer mem.Close()
			rec, err := mem.Indexer.UpsertText(cmd.Context(), tenantID, args[0], args[1], args[2], meta)
			if err != nil {
				return err
			}
			return writeJSON(cmd, rec)
		},
	}
	upsert.Flags().StringVar(&metadata, "metadata", "", "JSON object stored with the entry")

	del := &cobra.Command{
		Use:   "delete <category> <entity-id>",
		Short: "Soft-delete one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := app.BuildMemory(cmd.Context(), *cfg, false)
			if err != nil {
				return err
			}
			defer mem.Close()
			if err := mem.Indexer.Delete(cmd.Context(), tenantID, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}

	var (
		topK     int
		category string
	)
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the nearest live entries for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := app.BuildMemory(cmd.Context(), *cfg, false)
			if err != nil {
				return err
			}
			defer mem.Close()
			recs, err := mem.Indexer.SearchText(cmd.Context(), memory.TextQuery{
				TenantID: tenantID,
				Text:     args[0],
				TopK:     topK,
				Category: category,
			})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if err := writeJSON(cmd, rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	search.Flags().IntVar(&topK, "top-k", 4, "number of results")
	search.Flags().StringVar(&category, "category", "", "restrict to one category")

	kb.AddCommand(upsert, del, search)
	return kb
}

func writeJSON(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}
