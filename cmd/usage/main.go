// Command usage prints the consumption report of one agent for an inclusive
// date range, using the same aggregator as the panel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"voicebridge/internal/config"
	"voicebridge/internal/domain"
	"voicebridge/internal/httpserver"
	"voicebridge/internal/logging"
	"voicebridge/internal/providers/elevenlabs"
	"voicebridge/internal/usage"
)

type options struct {
	agentID string
	from    string
	to      string
	timeout time.Duration
}

func parseFlags(args []string, now time.Time) (options, error) {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var o options
	fs.StringVar(&o.agentID, "agent", "", "upstream agent id (required)")
	fs.StringVar(&o.from, "from", now.AddDate(0, 0, -30).Format("2006-01-02"), "first day, YYYY-MM-DD")
	fs.StringVar(&o.to, "to", now.Format("2006-01-02"), "last day (inclusive), YYYY-MM-DD")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Minute, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.agentID == "" {
		return options{}, fmt.Errorf("-agent is required")
	}
	return o, nil
}

type output struct {
	domain.UsageReport
	CostUSD float64 `json:"cost_usd"`
}

func main() {
	cfg := config.LoadUsage()
	logger := logging.Init("usage", cfg.LogFormat, cfg.LogLevel)

	loc, _ := time.LoadLocation(cfg.ReportTimezone)
	opts, err := parseFlags(os.Args[1:], time.Now().In(loc))
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: usage -agent ID [-from YYYY-MM-DD] [-to YYYY-MM-DD] [-timeout 5m]:", err)
		os.Exit(2)
	}
	window, err := httpserver.PanelWindow(opts.from, opts.to, loc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	variants, err := usage.ParseVariants(cfg.AnalyticsVariants)
	if err != nil {
		logger.Error("invalid USAGE_ANALYTICS_VARIANTS", "err", err)
		os.Exit(1)
	}
	agg := &usage.Aggregator{
		Client:                elevenlabs.NewClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsBaseURL, cfg.ElevenLabsHTTPTimeout),
		Variants:              variants,
		Retry:                 elevenlabs.RetryPolicy{MaxAttempts: cfg.MaxRounds, Base: cfg.BackoffBase, Factor: cfg.BackoffFactor},
		PageSize:              cfg.PageSize,
		MaxPages:              cfg.MaxPages,
		FallbackCreditsPerSec: cfg.CreditsPerSecFallback,
		Logger:                logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	report, err := agg.GetUsage(ctx, opts.agentID, window)
	if err != nil {
		logger.Error("usage failed", "agent_id", opts.agentID, "err", err)
		os.Exit(1)
	}
	if err := writeReport(os.Stdout, report, cfg.USDPerCredit); err != nil {
		logger.Error("write report failed", "err", err)
		os.Exit(1)
	}
}

func writeReport(w io.Writer, report domain.UsageReport, usdPerCredit float64) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output{UsageReport: report, CostUSD: report.Totals.Credits * usdPerCredit})
}
