// Command smoke runs the full ingest-then-review pipeline against a live
// provider. It is a manual end-to-end check, not part of the test suite.
//
//	SPECCHECK_SMOKE_LAW=law.pdf SPECCHECK_SMOKE_TENDER=tender.pdf go run ./cmd/smoke
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tenderlens/speccheck"
	"github.com/tenderlens/speccheck/textload"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	lawPath := os.Getenv("SPECCHECK_SMOKE_LAW")
	tenderPath := os.Getenv("SPECCHECK_SMOKE_TENDER")
	if lawPath == "" || tenderPath == "" {
		fmt.Fprintln(os.Stderr, "SPECCHECK_SMOKE_LAW and SPECCHECK_SMOKE_TENDER must be set")
		os.Exit(1)
	}

	tmpDir, _ := os.MkdirTemp("", "speccheck-smoke-*")
	defer os.RemoveAll(tmpDir)

	cfg := speccheck.DefaultConfig()
	cfg.DBPath = tmpDir + "/smoke.db"
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Extraction = speccheck.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: v}
		cfg.Judgment = cfg.Extraction
		cfg.Embedding = speccheck.LLMConfig{Provider: "openai", Model: "text-embedding-3-small", APIKey: v}
		cfg.EmbeddingDim = 1536
	}

	engine, err := speccheck.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	law, err := loadDoc(lawPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading law: %v\n", err)
		os.Exit(1)
	}
	tender, err := loadDoc(tenderPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading tender: %v\n", err)
		os.Exit(1)
	}

	version := time.Now().UTC().Format("smoke-20060102-150405")
	fmt.Fprintf(os.Stderr, "\n=== INGESTING %s as %s ===\n", law.Name, version)
	res, err := engine.IngestCorpus(ctx, law, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "generation %d: %d obligations, %d edges, %d failed clauses\n",
		res.GenerationID, res.Obligations, res.Edges, len(res.Failures))

	fmt.Fprintf(os.Stderr, "\n=== REVIEWING %s ===\n", tender.Name)
	rep, err := engine.ReviewDocument(ctx, tender)
	if err != nil {
		fmt.Fprintf(os.Stderr, "review error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== SUMMARY ===\n")
	out, _ := json.MarshalIndent(rep.Summary, "", "  ")
	fmt.Println(string(out))

	for _, c := range rep.Clauses {
		for _, v := range c.Verdicts {
			if v.Status != "violation" && !c.Flagged {
				continue
			}
			fmt.Printf("[%s] clause %s vs obligation %d: %s (%.2f) %s\n",
				v.Status, c.Path, v.ObligationID, v.ObligationSeverity, v.Confidence, v.Rationale)
		}
	}
}

func loadDoc(path string) (speccheck.Document, error) {
	text, err := textload.Load(path)
	if err != nil {
		return speccheck.Document{}, err
	}
	return speccheck.Document{Name: filepath.Base(path), Text: text}, nil
}
