package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"harvester/internal/cmdlog"
	"harvester/internal/config"
	"harvester/internal/model"
	"harvester/internal/query"
	"harvester/internal/session"
	"harvester/internal/theme"
)

// --- init ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return cmdlog.Run("init", map[string]any{"path": path}, func() error {
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			abs, _ := filepath.Abs(path)
			theme.PrintBanner()
			fmt.Println("Config written to:", abs)
			return nil
		})
	},
}

// --- provision ---

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the schema and tables declared in insertFields",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			return cmdlog.Run("provision", map[string]any{"driver": s.Config.Sink.Driver}, func() error {
				return s.Sink.Provision(ctx)
			})
		})
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the full archive for an event",
	Long: `Search the full archive for an event.

Plain searches read <input.search>/<event>.yaml. Conversation, quote and timeline
searches are seeded from the event's stored tweets or from --ids-file.

Examples:
  harvester search --event elections
  harvester search --event elections --convos --update
  harvester search --event elections --timelines --ids-file authors.txt
  harvester search --event elections --counts --granularity day`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := searchOptions(cmd)
		if err != nil {
			return err
		}
		fields := map[string]any{"event": opts.Event, "intent": string(opts.Intent), "counts": opts.Counts}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			fields["session_id"] = s.ID
			return cmdlog.Run("search", fields, func() error { return s.Search(ctx, opts) })
		})
	},
}

func init() {
	addSearchFlags(searchCmd)
	_ = searchCmd.MarkFlagRequired("event")
}

func addSearchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("event", "", "event name (required)")
	f.Bool("convos", false, "search the conversations of the event's tweets")
	f.Bool("quotes", false, "search quotes of the event's tweets")
	f.Bool("quotes-of-quotes", false, "search quotes of earlier quote results")
	f.Bool("timelines", false, "search the timelines of the event's authors")
	f.Bool("full-timelines", false, "timelines without any time window")
	f.String("ids-file", "", "conversation ids or author ids/handles, one per line")
	f.Bool("update", false, "fetch tweets newer than the stored ones")
	f.Bool("backfill", false, "fetch tweets older than the stored ones")
	f.String("start", "", "start time: RFC 3339, first_time or last_time")
	f.String("end", "", "end time: RFC 3339, first_time, last_time or now")
	f.Int("days-back", 0, "days subtracted from the start time")
	f.Int("days-after", 0, "days added to the end time")
	f.Bool("append", false, "append to the capture file instead of truncating it")
	f.Int("max-results", 0, "results per page, 10-500 (default from config)")
	f.Bool("counts", false, "query the counts endpoint instead of fetching tweets")
	f.String("granularity", "", "minute, hour or day (default from config)")
	f.Bool("count-files", false, "write per-query count files (default on for plain search)")
}

func searchOptions(cmd *cobra.Command) (session.SearchOptions, error) {
	f := cmd.Flags()
	var opts session.SearchOptions
	opts.Event, _ = f.GetString("event")

	intent := model.IntentSearch
	picked := 0
	for flag, in := range map[string]model.Intent{
		"convos": model.IntentConvo, "quotes": model.IntentQuote, "quotes-of-quotes": model.IntentQuote,
		"timelines": model.IntentTimeline, "full-timelines": model.IntentTimeline,
	} {
		if on, _ := f.GetBool(flag); on {
			intent = in
			picked++
		}
	}
	if picked > 1 {
		return opts, errors.New("choose at most one of --convos, --quotes, --quotes-of-quotes, --timelines, --full-timelines")
	}
	opts.Intent = intent
	opts.QuotesOfQuotes, _ = f.GetBool("quotes-of-quotes")
	opts.IDsFile, _ = f.GetString("ids-file")

	backfill, _ := f.GetBool("backfill")
	update, _ := f.GetBool("update")
	mode, err := query.ModeOf(backfill, update)
	if err != nil {
		return opts, err
	}
	opts.Window.Mode = mode
	opts.Window.Start, _ = f.GetString("start")
	opts.Window.End, _ = f.GetString("end")
	opts.Window.DaysBack, _ = f.GetInt("days-back")
	opts.Window.DaysAfter, _ = f.GetInt("days-after")
	opts.Window.FullTimeline, _ = f.GetBool("full-timelines")

	opts.Append, _ = f.GetBool("append")
	opts.MaxResults, _ = f.GetInt("max-results")
	opts.Counts, _ = f.GetBool("counts")
	opts.Granularity, _ = f.GetString("granularity")
	if f.Changed("count-files") {
		v, _ := f.GetBool("count-files")
		opts.CountFiles = &v
	}
	return opts, nil
}

// --- stream ---

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Install the event's rules and consume the filtered stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		event, _ := cmd.Flags().GetString("event")
		replace, _ := cmd.Flags().GetBool("replace")
		appendMode, _ := cmd.Flags().GetBool("append")
		mins, _ := cmd.Flags().GetInt("timeout-mins")
		dry, _ := cmd.Flags().GetBool("dry-run")
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			fields := map[string]any{"event": event, "session_id": s.ID, "dry_run": dry}
			return cmdlog.Run("stream", fields, func() error {
				if dry {
					resp, err := s.DryRunRules(ctx, event)
					if err != nil {
						return err
					}
					printJSON(resp)
					return nil
				}
				return s.Stream(ctx, session.StreamOptions{
					Event: event, Replace: replace, Append: appendMode,
					Timeout: time.Duration(mins) * time.Minute,
				})
			})
		})
	},
}

func init() {
	f := streamCmd.Flags()
	f.String("event", "", "event name (required)")
	f.Bool("replace", false, "delete all existing rules before adding the event's rules")
	f.Bool("append", false, "append to the capture file instead of truncating it")
	f.Int("timeout-mins", 0, "stop when nothing arrives for this long (default from config)")
	f.Bool("dry-run", false, "validate the event's rules with the API and exit")
	_ = streamCmd.MarkFlagRequired("event")
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the rules attached to the filtered stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return cmdlog.Run("rules", nil, func() error {
			rules, err := mustLoadClient(cfg).ListRules(cmd.Context(), cfg.Endpoints.Rules)
			if err != nil {
				return err
			}
			b, err := json.Marshal(rules)
			if err != nil {
				return err
			}
			printJSON(b)
			return nil
		})
	},
}

func printJSON(b []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		fmt.Println(string(b))
		return
	}
	fmt.Println(out.String())
}
