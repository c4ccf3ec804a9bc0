package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Plazide/local-ai-code-completion/internal/api"
	"github.com/Plazide/local-ai-code-completion/internal/config"
	"github.com/Plazide/local-ai-code-completion/internal/document"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
	"github.com/Plazide/local-ai-code-completion/internal/storage"
	"github.com/Plazide/local-ai-code-completion/internal/supervisor"
)

func documentPath(id string, action string) string {
	p := "/v1/documents/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// --- setup ---

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Make sure Ollama is running and the completion model is installed",
	Long: `Start the Ollama server if it is not running and pull the configured model.

A server started by setup is stopped again when setup exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		sup := newSupervisor(cmd.Context(), cfg, ollama.New(cfg.Ollama.BaseURL), store, logger)
		defer sup.Close()

		printStep("Preparing model %s", cfg.ModelID())
		progress := &pullProgress{}
		ready, err := sup.Ready(cmd.Context(), progress.update)
		progress.done()
		if err != nil {
			return err
		}
		if ready.Owned {
			printStatus("Ollama", "started by lacc (pid %d), stopping", ready.PID)
		}
		printSuccess("Model %s is installed", cfg.ModelID())
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the bridge and inference service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), client)
	},
}

func runStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/v1/status")
	if err == nil {
		var st api.StatusResponse
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Bridge", "%s", colorize(colorGreen, "running"))
		printStatus("Service", "%s", st.State)
		printStatus("Ready", "%t", st.Ready)
		printStatus("Model", "%s", st.Model)
		return nil
	}

	printStatus("Bridge", "%s", colorize(colorYellow, "not running"))
	cfg, cerr := config.Load()
	if cerr != nil {
		return cerr
	}
	backend := ollama.New(cfg.Ollama.BaseURL)
	sup := newSupervisor(ctx, cfg, backend, nil, newLogger(cfg))
	defer sup.Close()
	printStatus("Endpoint", "%s", backend.BaseURL())
	state, perr := sup.Probe(ctx)
	if perr != nil {
		printStatus("Service", "%s", colorize(colorRed, perr.Error()))
	} else {
		printStatus("Service", "%s", state)
	}
	printStatus("Model", "%s", cfg.ModelID())
	if state == supervisor.Running {
		has, err := backend.HasModel(ctx, cfg.ModelID())
		if err != nil {
			printStatus("Installed", "%s", colorize(colorRed, err.Error()))
		} else {
			printStatus("Installed", "%t", has)
		}
	}
	return nil
}

// --- complete ---

var completeCmd = &cobra.Command{
	Use:   "complete [file]",
	Short: "Complete a file at a cursor position through the running bridge",
	Long: `Send a file (or stdin) to the bridge, generate a completion at the cursor
and print it.

Examples:
  lacc complete main.go --line 12 --column 4
  cat main.go | lacc complete --line 12 --apply`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, _ := cmd.Flags().GetInt("line")
		column, _ := cmd.Flags().GetInt("column")
		unit, _ := cmd.Flags().GetString("unit")
		apply, _ := cmd.Flags().GetBool("apply")
		id, _ := cmd.Flags().GetString("id")

		if line < 0 || column < 0 {
			return fmt.Errorf("--line and --column must be non-negative")
		}
		if unit != "" {
			if _, err := document.ParseUnit(unit); err != nil {
				return err
			}
		}

		var (
			data []byte
			err  error
		)
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
			if id == "" {
				id = "cli-" + filepath.Base(args[0])
			}
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if id == "" {
			id = "cli-stdin"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runComplete(cmd.Context(), client, cmd.OutOrStdout(), completeRequest{
			id:    id,
			apply: apply,
			doc: api.DocumentRequest{
				Text:   string(data),
				Cursor: document.Position{Line: line, Column: column},
				Unit:   unit,
			},
		})
	},
}

func init() {
	completeCmd.Flags().Int("line", 0, "0-indexed cursor line")
	completeCmd.Flags().Int("column", 0, "0-indexed cursor column")
	completeCmd.Flags().String("unit", "", "column unit: utf16, bytes or runes")
	completeCmd.Flags().Bool("apply", false, "accept the suggestion and print the whole document")
	completeCmd.Flags().String("id", "", "document id (default derived from the file name)")
}

type completeRequest struct {
	id    string
	apply bool
	doc   api.DocumentRequest
}

func runComplete(ctx context.Context, client *apiClient, out io.Writer, req completeRequest) error {
	resp, err := client.put(ctx, documentPath(req.id, ""), req.doc)
	if err != nil {
		return err
	}
	var view api.DocumentView
	if err := decodeJSON(resp, &view); err != nil {
		return err
	}

	resp, err = client.post(ctx, documentPath(req.id, "generate")+"?wait=true", nil)
	if err != nil {
		return err
	}
	var sg api.SuggestionView
	if err := decodeJSON(resp, &sg); err != nil {
		return err
	}
	if sg.Error != "" {
		printWarning("generation stopped: %s", sg.Error)
	}

	if !req.apply {
		resp, err := client.post(ctx, documentPath(req.id, "discard"), nil)
		if err == nil {
			var discarded api.SuggestionView
			if err := decodeJSON(resp, &discarded); err != nil {
				printWarning("discarding suggestion: %v", err)
			}
		}
		_, err = fmt.Fprintln(out, sg.Text)
		return err
	}

	resp, err = client.post(ctx, documentPath(req.id, "accept"), nil)
	if err != nil {
		return err
	}
	var accepted api.SuggestionView
	if err := decodeJSON(resp, &accepted); err != nil {
		return err
	}
	resp, err = client.get(ctx, documentPath(req.id, ""))
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &view); err != nil {
		return err
	}
	_, err = fmt.Fprint(out, view.Text)
	return err
}

// --- generate / abort / accept / discard ---

var generateCmd = &cobra.Command{
	Use:   "generate <doc-id>",
	Short: "Start a completion at the document's cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		path := documentPath(args[0], "generate")
		if wait {
			path += "?wait=true"
		}
		return suggestionCommand(cmd.Context(), path)
	},
}

func init() {
	generateCmd.Flags().Bool("wait", false, "wait until the generation stops")
}

var abortCmd = &cobra.Command{
	Use:   "abort <doc-id>",
	Short: "Abort the active generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), documentPath(args[0], "abort"), nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Generation for %s %s", args[0], result["status"])
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <doc-id>",
	Short: "Accept the pending suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return suggestionCommand(cmd.Context(), documentPath(args[0], "accept"))
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <doc-id>",
	Short: "Discard the pending suggestion and remove its text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return suggestionCommand(cmd.Context(), documentPath(args[0], "discard"))
	},
}

func suggestionCommand(ctx context.Context, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return err
	}
	var sg api.SuggestionView
	if err := decodeJSON(resp, &sg); err != nil {
		return err
	}
	printSuggestion(sg)
	return nil
}

func printSuggestion(sg api.SuggestionView) {
	printStatus("Suggestion", "%s", sg.ID)
	printStatus("State", "%s", sg.State)
	printStatus("Span", "%s", sg.Span)
	printStatus("Fragments", "%d", sg.Fragments)
	if sg.Error != "" {
		printStatus("Error", "%s", colorize(colorRed, sg.Error))
	}
	if sg.Text != "" {
		fmt.Println(sg.Text)
	}
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent suggestions and their outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runHistory(cmd.Context(), client, cmd.OutOrStdout(), limit)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of suggestions to list")
}

func runHistory(ctx context.Context, client *apiClient, out io.Writer, limit int) error {
	resp, err := client.get(ctx, "/v1/history?limit="+strconv.Itoa(limit))
	if err != nil {
		return err
	}
	var h api.HistoryResponse
	if err := decodeJSON(resp, &h); err != nil {
		return err
	}

	if len(h.Suggestions) == 0 {
		fmt.Fprintln(out, "No suggestions recorded yet.")
	}
	for _, s := range h.Suggestions {
		outcome := s.Outcome
		switch outcome {
		case "accepted":
			outcome = colorize(colorGreen, outcome)
		case "discarded":
			outcome = colorize(colorYellow, outcome)
		}
		fmt.Fprintf(out, "%s  %-9s  %-20s  %s  %d fragments, %dms\n",
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"), outcome, s.Document, s.Anchor, s.Fragments, s.DurationMS)
	}
	fmt.Fprintf(out, "\n%d total, %d accepted, %d discarded, %d errored (accept rate %.0f%%, avg %dms)\n",
		h.Total, h.Accepted, h.Discarded, h.Errored, h.AcceptRate*100, h.AvgMS)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
