package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/knowledge"
	"github.com/diagforge/refinery/pkg/stages/chunk"
	"github.com/diagforge/refinery/pkg/stages/crawl"
	"github.com/diagforge/refinery/pkg/stages/embed"
	"github.com/diagforge/refinery/pkg/stages/evaluate"
	"github.com/diagforge/refinery/pkg/stages/extract"
	"github.com/diagforge/refinery/pkg/stages/resolve"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/vehicle"
)

func crawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Fetch queued URLs and extract their visible text (stage 1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "crawl"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			objects := mustBuildObjectStore(ctx, component, cfg)

			research := store.NewResearch(db)
			transitioner := document.New(db, queue)
			w := crawl.New(queue, research, objects, transitioner)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9101"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func chunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk",
		Short: "Split a document's raw text into overlapping windows (stage 2)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "chunk"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			objects := mustBuildObjectStore(ctx, component, cfg)

			research := store.NewResearch(db)
			transitioner := document.New(db, queue)
			w := chunk.New(queue, research, objects, transitioner)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9102"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func embedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Compute an embedding vector per chunk (stage 3)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "embed"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			llmClient := buildLLMClient(cfg)

			research := store.NewResearch(db)
			transitioner := document.New(db, queue)
			w := embed.New(queue, research, llmClient, transitioner)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9103"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Score each chunk's trust, relevance, and domain (stage 4)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "evaluate"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			llmClient := buildLLMClient(cfg)
			searchClient := buildSearchClient(cfg)

			research := store.NewResearch(db)
			transitioner := document.New(db, queue)
			w := evaluate.New(queue, research, llmClient, searchClient, transitioner, cfg.LLM.ReasoningModel)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9104"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract DTC codes, causes, steps, sensors, and TSBs per chunk (stage 5)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "extract"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			llmClient := buildLLMClient(cfg)

			research := store.NewResearch(db)
			refined := store.NewRefined(db)
			transitioner := document.New(db, queue)
			w := extract.New(queue, research, refined, llmClient, transitioner)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9105"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Merge refined extractions into the curated knowledge graph (stage 6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "resolve"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()

			refined := store.NewRefined(db)
			knowledgeDB := store.NewKnowledge(db)
			vehicles := store.NewVehicle(db)
			upserter := knowledge.New(db)
			linker, err := vehicle.New(ctx, vehicles)
			if err != nil {
				slog.Error("failed to build vehicle linker", "component", component, "error", err)
				os.Exit(1)
			}
			transitioner := document.New(db, queue)
			w := resolve.New(queue, refined, knowledgeDB, upserter, linker, transitioner)

			sk := w.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9106"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}
