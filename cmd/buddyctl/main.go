package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/tornbuddy/buddy-engine/internal/config"
	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/logs"
	"github.com/tornbuddy/buddy-engine/internal/match"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/money"
	"github.com/tornbuddy/buddy-engine/internal/portfolio"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
)

var (
	cfgFile      string
	manifestPath string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "buddyctl",
	Short: "Offline tools for buddy stock schedules and activity logs",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		logger := log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "buddyctl",
		})
		if verbose {
			logger.SetLevel(log.DebugLevel)
		}
		slog.SetDefault(slog.New(logger))
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the payment schedule of each investment in a manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, invs, err := loadInvestments()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Schedule.MaxGenerate
		}
		out := cmd.OutOrStdout()
		for i := range invs {
			printSchedule(out, &invs[i], min(limit, cfg.Schedule.MaxGenerate), cfg.Location())
		}
		return nil
	},
}

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Summarise returns across the investments in a manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, invs, err := loadInvestments()
		if err != nil {
			return err
		}
		snap := portfolio.Snapshot(invs, time.Now(), cfg.Schedule.MaxGenerate)
		printSnapshot(cmd.OutOrStdout(), snap, cfg.Location())
		return nil
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse <value>...",
	Short: "Show how amounts like 1.5m or 250k are interpreted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INPUT\tCURRENCY\tCOUNT")
		for _, a := range args {
			fmt.Fprintf(w, "%s\t%s\t%d\n", a, money.FormatCurrency(money.ParseCurrency(a)), money.ParseCount(a))
		}
		return w.Flush()
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <log.json>",
	Short: "Normalise a saved activity-log response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readLog(args[0])
		if err != nil {
			return err
		}
		if dump, _ := cmd.Flags().GetBool("dump"); dump {
			pp.Fprintln(cmd.OutOrStdout(), entries)
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSENDER\tRECEIVER\tMONEY\tITEMS\tTEXT")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%s\n",
				e.Time().Format(time.DateTime), e.SenderID, e.ReceiverID,
				money.FormatCurrency(e.MoneyAmount), len(e.Items), e.RawText)
		}
		return w.Flush()
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <log.json>",
	Short: "Run payment detection for the manifest investments against a saved log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, invs, err := loadInvestments()
		if err != nil {
			return err
		}
		entries, err := readLog(args[0])
		if err != nil {
			return err
		}
		var since int64
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			d, ok := model.ParseDate(s, cfg.Location())
			if !ok {
				return fmt.Errorf("invalid --since date %q", s)
			}
			since = d.Unix()
		}

		det := match.NewDetector(
			match.WithLocation(cfg.Location()),
			match.WithFallbackWindow(cfg.Scan.FallbackWindow),
			match.WithMaxGenerate(cfg.Schedule.MaxGenerate),
		)
		out := cmd.OutOrStdout()
		for i := range invs {
			inv := &invs[i]
			if since > 0 {
				inv.Cursor = model.ScanCursor{LastChecked: since}
			}
			found := det.Find(inv, entries)
			slog.Debug("matched", "investment", inv.Name, "candidates", len(found))
			fmt.Fprintf(out, "%s: %d detection(s)\n", inv.Name, len(found))
			for _, c := range found {
				fmt.Fprintf(out, "  #%d [%s] %s\n", c.Sequence, c.Confidence, c.Text)
			}
		}
		return nil
	},
}

func loadInvestments() (config.Config, []model.Investment, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if manifestPath == "" {
		return cfg, nil, fmt.Errorf("a manifest is required (-f investments.yaml)")
	}
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return cfg, nil, err
	}
	invs, err := m.Resolve(cfg.Location(), time.Now())
	if err != nil {
		return cfg, nil, err
	}
	slog.Debug("manifest loaded", "path", manifestPath, "investments", len(invs))
	return cfg, invs, nil
}

func readLog(path string) ([]model.LogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, shape, err := logs.NormalizeShape(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("log normalised", "file", path, "shape", shape, "entries", len(entries))
	return entries, nil
}

func printSchedule(out io.Writer, inv *model.Investment, limit int, loc *time.Location) {
	fmt.Fprintf(out, "%s (counterparty %d)\n", inv.Name, inv.CounterpartyID)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tDUE\tAMOUNT\tSTATUS")
	for _, p := range ledger.Payments(inv, limit) {
		due := "TBD"
		if p.DueDate != nil {
			due = p.DueDate.In(loc).Format(time.DateOnly)
		}
		status := "unpaid"
		switch {
		case p.State.Paid:
			status = "paid"
		case p.State.Detection != nil:
			status = "detected"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", p.Sequence, due, money.FormatCurrency(p.ExpectedAmount), status)
	}
	w.Flush()
	if next := schedule.Upcoming(inv, schedule.UpcomingCount, limit); len(next) > 0 {
		fmt.Fprintf(out, "  upcoming: %v\n", next)
	}
	fmt.Fprintln(out)
}

func printSnapshot(out io.Writer, snap model.PortfolioSnapshot, loc *time.Location) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRINCIPAL\tRECEIVED\tROI\tBREAK-EVEN")
	for _, s := range snap.Investments {
		be := "-"
		if s.DaysToBreakEven != nil {
			be = fmt.Sprintf("#%d in %dd", s.BreakEvenSequence, *s.DaysToBreakEven)
		} else if s.BreakEvenSequence > 0 {
			be = fmt.Sprintf("#%d", s.BreakEvenSequence)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s%%\t%s\n", s.Name,
			money.FormatShort(s.Principal), money.FormatShort(s.Received),
			s.ROI.Shift(2).StringFixed(1), be)
	}
	w.Flush()
	fmt.Fprintf(out, "\ntotal %s in, %s back; %s/week; average ROI %s%% (weighted %s%%)\n",
		money.FormatShort(snap.TotalPrincipal), money.FormatShort(snap.TotalReceived),
		money.FormatShort(model.Cents(snap.WeeklyRate.IntPart())),
		snap.AverageROI.Shift(2).StringFixed(1), snap.WeightedAverageROI.Shift(2).StringFixed(1))
	if snap.EarliestUnpaidDue != nil {
		fmt.Fprintf(out, "next payment due %s\n", snap.EarliestUnpaidDue.In(loc).Format(time.DateOnly))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default is ./config.toml)")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "file", "f", "", "Investments manifest (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	scheduleCmd.Flags().Int("limit", 0, "Maximum payments to list per investment")
	normalizeCmd.Flags().Bool("dump", false, "Pretty-print the normalised entries")
	matchCmd.Flags().String("since", "", "Only consider entries after this date (YYYY-MM-DD)")

	rootCmd.AddCommand(scheduleCmd, portfolioCmd, parseCmd, normalizeCmd, matchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
