package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	ollamaURL  string
	dbURL      string
	memory     bool
	verbose    bool
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "ragpipe",
		Short:         "Document ingestion and retrieval pipeline",
		Long:          "Load, chunk, deduplicate, embed and index documents, then query them with reranked retrieval.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&flags.ollamaURL, "ollama-url", "", "Ollama server URL")
	root.PersistentFlags().StringVar(&flags.dbURL, "db-url", "", "PostgreSQL connection string")
	root.PersistentFlags().BoolVar(&flags.memory, "memory", false, "Keep vectors in memory instead of PostgreSQL")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		ingestCmd(flags),
		queryCmd(flags),
		listCmd(flags),
		chatCmd(flags),
		serveCmd(flags),
	)

	return root
}
