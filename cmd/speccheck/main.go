// Command speccheck ingests regulation corpora and reviews tender documents
// against them from the command line.
//
// Usage:
//
//	speccheck ingest -file law.pdf -version 2026-Q1
//	speccheck review -file tender.pdf [-version 2026-Q1] [-o report.xlsx]
//	speccheck runs
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tenderlens/speccheck"
	"github.com/tenderlens/speccheck/matcher"
	"github.com/tenderlens/speccheck/report"
	"github.com/tenderlens/speccheck/textload"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading .env", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(ctx, os.Args[2:])
	case "review":
		err = runReview(ctx, os.Args[2:])
	case "runs":
		err = runRuns(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  speccheck ingest -file <regulation> -version <label> [-config <file>]
  speccheck review -file <tender> [-version <label>] [-o <report.xlsx>] [-config <file>]
  speccheck runs   [-config <file>]`)
}

func newEngine(configPath string) (speccheck.Engine, error) {
	cfg := speccheck.DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if strings.ToLower(filepath.Ext(configPath)) == ".json" {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if v := os.Getenv("SPECCHECK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	return speccheck.New(cfg)
}

// loadDocument extracts plain text from a document file for the engine.
func loadDocument(path string) (speccheck.Document, error) {
	text, err := textload.Load(path)
	if err != nil {
		return speccheck.Document{}, err
	}
	return speccheck.Document{Name: filepath.Base(path), Text: text}, nil
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "Regulation document (.txt, .md, .pdf)")
	version := fs.String("version", "", "Version label for the new generation")
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	fs.Parse(args)

	if *file == "" || *version == "" {
		return fmt.Errorf("-file and -version are required")
	}

	eng, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	doc, err := loadDocument(*file)
	if err != nil {
		return err
	}
	res, err := eng.IngestCorpus(ctx, doc, *version)
	if err != nil {
		return err
	}

	fmt.Printf("published generation %d (version %s)\n", res.GenerationID, res.Version)
	fmt.Printf("  clauses:     %d\n", res.Clauses)
	fmt.Printf("  obligations: %d\n", res.Obligations)
	fmt.Printf("  edges:       %d\n", res.Edges)
	if len(res.Failures) > 0 {
		fmt.Printf("  failed clauses: %d\n", len(res.Failures))
		for _, f := range res.Failures {
			fmt.Printf("    %s: %s\n", f.Path, f.Reason)
		}
	}
	return nil
}

func runReview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	file := fs.String("file", "", "Tender document (.txt, .md, .pdf)")
	version := fs.String("version", "", "Corpus version (default: latest published)")
	output := fs.String("o", "", "Write the report as an XLSX workbook")
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	eng, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	var opts []speccheck.ReviewOption
	if *version != "" {
		opts = append(opts, speccheck.WithCorpusVersion(*version))
	}
	doc, err := loadDocument(*file)
	if err != nil {
		return err
	}
	rep, err := eng.ReviewDocument(ctx, doc, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("review %s against corpus %s\n", rep.RunID, rep.CorpusVersion)
	fmt.Printf("  clauses:        %d\n", rep.Summary.TotalClauses)
	fmt.Printf("  compliant:      %d\n", rep.Summary.Compliant)
	fmt.Printf("  violations:     %d (mandatory %d, recommended %d, informational %d)\n",
		rep.Summary.Violations.Total(),
		rep.Summary.Violations.Mandatory,
		rep.Summary.Violations.Recommended,
		rep.Summary.Violations.Informational)
	fmt.Printf("  ambiguous:      %d\n", rep.Summary.Ambiguous)
	fmt.Printf("  needs review:   %d clauses\n", rep.Summary.FlaggedClauses)

	for _, c := range rep.Clauses {
		for _, v := range c.Verdicts {
			if v.Status != matcher.StatusViolation {
				continue
			}
			fmt.Printf("\n  [%s] clause %s violates obligation %d (%.0f%%)\n    %s\n",
				v.ObligationSeverity, c.Path, v.ObligationID, v.Confidence*100, v.Rationale)
		}
	}

	if *output != "" {
		if err := report.ExportXLSX(rep, *output); err != nil {
			return err
		}
		fmt.Printf("\nreport written to %s\n", *output)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	fs.Parse(args)

	eng, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.Close()

	runs, err := eng.Store().ListReviewRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no review runs recorded")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  generation %d  %s\n", r.ID, r.CreatedAt, r.GenerationID, r.DocumentName)
	}
	return nil
}
