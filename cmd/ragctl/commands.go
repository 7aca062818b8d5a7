package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ragctl",
		Short: "Command-line client for the medrag API",
		Long: `ragctl talks to a running medrag API.

Examples:
  # Index a guideline synchronously
  ragctl index --id bc-2024 --title "Breast cancer" guideline.txt

  # Retrieve evidence for a question
  ragctl query "treatment for stage II breast cancer" --top-k 5

  # Pre-populate the cache from a YAML file
  ragctl warm queries.yaml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("MEDRAG_SERVER", "http://localhost:8080"), "medrag API base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	cmd.AddCommand(
		newIndexCmd(opts),
		newGetCmd(opts),
		newRemoveCmd(opts),
		newQueryCmd(opts),
		newAnswerCmd(opts),
		newStatsCmd(opts),
		newWarmCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var id, title, sourceType, language string
	cmd := &cobra.Command{
		Use:   "index [file|-]",
		Short: "Index a document read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if len(bytes.TrimSpace(text)) == 0 {
				return errors.New("document is empty")
			}
			body := map[string]string{
				"id":          id,
				"title":       title,
				"source_type": sourceType,
				"language":    language,
				"text":        string(text),
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/documents", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document ID (required unless the API indexes asynchronously)")
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&sourceType, "source-type", "guideline", "source type label")
	cmd.Flags().StringVar(&language, "language", "", "document language")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <document-id>",
		Short: "Show a document's index state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, documentPath(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <document-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a document from every index",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().do(cmd.Context(), http.MethodDelete, documentPath(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		topK    int
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve evidence for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"query": args[0],
				"top_k": topK,
			}
			if err := addFilter(body, filters); err != nil {
				return err
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/query", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to return (0 uses the server default)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "metadata filter key=value, repeatable; key= accepts chunks without the key")
	return cmd
}

func newAnswerCmd(opts *rootOptions) *cobra.Command {
	var (
		topK    int
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "answer <question>",
		Short: "Generate a grounded answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"question": args[0],
				"top_k":    topK,
			}
			if err := addFilter(body, filters); err != nil {
				return err
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/answer", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to ground on (0 uses the server default)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "metadata filter key=value, repeatable; key= accepts chunks without the key")
	return cmd
}

// addFilter folds repeated key=value flags into the request filter. Values
// of one key are alternatives.
func addFilter(body map[string]any, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	filter := make(map[string][]string)
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid filter %q, want key=value", f)
		}
		filter[key] = append(filter[key], value)
	}
	body["filter"] = filter
	return nil
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show query cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/cache/stats", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

// warmFile is the YAML layout accepted by the warm command.
type warmFile struct {
	TopK    int      `yaml:"top_k"`
	Queries []string `yaml:"queries"`
}

func newWarmCmd(opts *rootOptions) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "warm <queries.yaml|->",
		Short: "Pre-populate the query cache",
		Long: `Run each query from a YAML file so later requests hit the cache.

File format:
  top_k: 5
  queries:
    - treatment for stage II breast cancer
    - side effects of tamoxifen`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			var wf warmFile
			if err := yaml.Unmarshal(raw, &wf); err != nil {
				return fmt.Errorf("parse warm file: %w", err)
			}
			if len(wf.Queries) == 0 {
				return errors.New("warm file lists no queries")
			}
			if cmd.Flags().Changed("top-k") {
				wf.TopK = topK
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/cache/warm", map[string]any{
				"queries": wf.Queries,
				"top_k":   wf.TopK,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "override top_k from the file")
	return cmd
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}

func printJSON(w io.Writer, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, werr := w.Write(data)
		return werr
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
