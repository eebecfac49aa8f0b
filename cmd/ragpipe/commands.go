package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/pkg/llm"
	"github.com/xhad/ragpipe/pkg/pipeline"
	"github.com/xhad/ragpipe/server"
)

func ingestCmd(flags *globalFlags) *cobra.Command {
	var path, url, domain string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load, split, deduplicate, embed and index documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (path == "") == (url == "") {
				return errors.New("exactly one of --path or --url is required")
			}

			var (
				bar     *progressbar.ProgressBar
				current string
			)
			progress := func(p *pipeline.PipelineConfig) {
				p.OnChunks = func(doc models.Document, done, total int) {
					if doc.ID != current {
						if bar != nil {
							bar.Finish()
						}
						current = doc.ID
						bar = getProgressBar(total, "💾 "+doc.Source)
					}
					bar.Set(done)
				}
			}

			a, err := newApp(cmd.Context(), flags, progress)
			if err != nil {
				return err
			}
			defer a.Close()

			var report pipeline.IngestReport
			if path != "" {
				color.Blue("\nIngesting %s\n", path)
				report, err = a.pipe.IngestPath(cmd.Context(), path, domain)
			} else {
				color.Blue("\nCrawling %s\n", url)
				report, err = a.pipe.IngestURL(cmd.Context(), url, domain)
			}
			if bar != nil {
				bar.Finish()
			}

			fmt.Println()
			color.Green("✓ %d documents, %d chunks, %d duplicates, %d indexed",
				report.Documents, report.Chunks, report.Duplicates, report.Indexed)
			if err != nil {
				color.Yellow("%d documents failed", report.Failures)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "File or directory to ingest")
	cmd.Flags().StringVar(&url, "url", "", "Web page to crawl and ingest")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain label stored with every chunk")
	return cmd
}

func queryCmd(flags *globalFlags) *cobra.Command {
	var q, domain, source string
	var top int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Retrieve and rerank the chunks most relevant to a question",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			spinner := getSpinner("🔍 Searching...")
			results, err := a.pipe.Query(cmd.Context(), pipeline.QueryRequest{
				Query:   q,
				Filters: models.Filters{Domain: domain, Source: source},
				TopK:    top,
			})
			spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				return err
			}

			if len(results) == 0 {
				color.Yellow("No results")
				return nil
			}
			for i, c := range results {
				color.Cyan("\n#%d  %s  [%s]", i+1, c.Source, c.Domain)
				fmt.Printf("score %.4f  ann %.4f  lexical %.4f\n", c.FinalScore, c.Distance, c.Lexical())
				fmt.Println(server.Preview(c.Content, server.PreviewRunes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&q, "q", "", "Question to search for")
	cmd.Flags().StringVar(&domain, "domain", "", "Only search this domain")
	cmd.Flags().StringVar(&source, "source", "", "Only search this source")
	cmd.Flags().IntVar(&top, "top", 0, "Number of results (default from config)")
	cmd.MarkFlagRequired("q")
	return cmd
}

func listCmd(flags *globalFlags) *cobra.Command {
	var domain, source string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed chunks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			hits, err := a.pipe.List(cmd.Context(), models.Filters{Domain: domain, Source: source}, limit)
			if err != nil {
				return err
			}
			for _, h := range hits {
				color.Cyan("%s  %s  [%s]  %s", h.ID, h.Source, h.Domain, h.Timestamp.Format("2006-01-02 15:04"))
				fmt.Println(server.Preview(h.Content, 120))
			}
			color.Green("\n%d chunks", len(hits))
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Only list this domain")
	cmd.Flags().StringVar(&source, "source", "", "Only list this source")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of chunks")
	return cmd
}

func chatCmd(flags *globalFlags) *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the indexed documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.chatEngine()
			if err != nil {
				return err
			}

			color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

			scanner := bufio.NewScanner(os.Stdin)
			userPrompt := color.New(color.FgGreen).PrintfFunc()
			assistantPrompt := color.New(color.FgCyan).PrintfFunc()

			for {
				userPrompt("\nYou: ")
				if !scanner.Scan() {
					break
				}
				query := strings.TrimSpace(scanner.Text())
				if strings.EqualFold(query, "exit") {
					break
				}
				if query == "" {
					continue
				}

				querySpinner := getSpinner("🔍 Searching documentation...")
				candidates, err := a.pipe.Query(ctx, pipeline.QueryRequest{
					Query:   query,
					Filters: models.Filters{Domain: domain},
				})
				querySpinner.Finish()
				fmt.Print("\r")
				if err != nil {
					color.Red("Error querying documents: %v\n", err)
					continue
				}

				if a.config.UI.Streaming {
					stream, err := chat.ChatStream(ctx, query, candidates)
					if err != nil {
						color.Red("Error: %v\n", err)
						continue
					}
					assistantPrompt("\nAssistant: ")
					for chunk := range stream {
						assistantPrompt("%s", chunk)
					}
					fmt.Println()
				} else {
					responseSpinner := getSpinner("🤖 Generating response...")
					response, err := chat.Chat(ctx, query, candidates)
					responseSpinner.Finish()
					fmt.Print("\r")
					if err != nil {
						color.Red("Error: %v\n", err)
						continue
					}
					if len(response.Choices) > 0 {
						assistantPrompt("\nAssistant: %s\n", response.Choices[0].Content)
					}
				}
				color.White(llm.FormatSources(candidates))
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Only use documents from this domain")
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and websocket chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.chatEngine()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = a.config.Server.Addr
			}
			srv, err := server.New(server.Config{
				Addr:          addr,
				MaxUploadSize: a.config.Server.MaxUploadSize,
				UploadDir:     a.config.Server.UploadDir,
				Streaming:     a.config.UI.Streaming,
				Logger:        a.log,
			}, a.pipe, chat)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
