package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/mbox"
	"github.com/dhcgn/catchall-otp/stats"
)

func newScanCommand(newLogger LoggerFactory) *cobra.Command {
	var (
		target    string
		topN      int
		reportDir string
	)

	cmd := &cobra.Command{
		Use:   "scan [mbox file]",
		Short: "Run the code extractor over an mbox archive and show what it finds",
		Long: "Reads an mbox archive (\"-\" for standard input) and applies the same subject, sender\n" +
			"and code patterns a watch uses. Nothing is sent to the mail server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOfflineApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if target != "" {
				if target, err = a.cfg.ValidateAddress(target); err != nil {
					return err
				}
			}

			reader, err := mbox.NewReader(mbox.Options{Path: args[0]}, a.logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			pterm.Info.Printfln("Scanning %s", args[0])
			report, err := mbox.Scan(ctx, reader, a.extractor, target)
			if err != nil {
				return fmt.Errorf("scan mbox: %w", err)
			}

			printScanReport(report, topN)

			if reportDir != "" {
				path, err := saveMatchesCSV(report.Matches, reportDir)
				if err != nil {
					return fmt.Errorf("save report: %w", err)
				}
				pterm.Info.Printfln("Report saved to %s", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Only report codes sent to this address")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of subjects to list")
	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report of every match")
	return cmd
}

func printScanReport(report mbox.Report, topN int) {
	pterm.Info.Printfln("Read %d messages (%d unparseable), %d with a code", report.Messages, report.ParseErrors, len(report.Matches))
	if len(report.Matches) == 0 {
		return
	}

	data := pterm.TableData{{"UID", "Received", "Recipient", "Code", "Tier"}}
	for _, m := range report.Matches {
		data = append(data, []string{
			strconv.FormatUint(uint64(m.Message.UID), 10),
			m.Code.ReceivedAt.Local().Format(time.DateTime),
			m.Code.SourceRecipient,
			m.Code.Value,
			string(m.Code.MatchTier),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	fmt.Println("\nMatches by tier:")
	stats.PrintTop(os.Stdout, report.Tiers, 3)
	fmt.Printf("\nTop %d subjects:\n", topN)
	stats.PrintTop(os.Stdout, report.Subjects, topN)
}

// saveMatchesCSV writes one row per match into dir and returns the file path.
func saveMatchesCSV(matches []mbox.Match, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "report_matches.csv")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"UID", "Received", "Recipient", "Subject", "Code", "Tier"}); err != nil {
		return "", err
	}
	for _, m := range matches {
		record := []string{
			strconv.FormatUint(uint64(m.Message.UID), 10),
			m.Code.ReceivedAt.UTC().Format(time.RFC3339),
			m.Code.SourceRecipient,
			m.Code.SourceSubject,
			m.Code.Value,
			string(m.Code.MatchTier),
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return path, file.Close()
}
