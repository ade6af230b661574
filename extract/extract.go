// Package extract turns segmented regulation clauses into atomic obligation
// records using LLM structured extraction against a fixed schema. Responses
// that do not parse against the schema are rejected and retried with the
// failure fed back as context; a clause that keeps failing is reported as an
// extraction failure without aborting the rest of the corpus.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/llm"
	"github.com/tenderlens/speccheck/segment"
)

// ErrExtractionFailed marks a clause whose structured extraction could not be
// completed within the retry budget. Per-clause and non-fatal: corpus
// ingestion records it and continues.
var ErrExtractionFailed = errors.New("extract: structured extraction failed")

// obligationSchemaPrompt is the fixed extraction schema. The model must
// return exactly this JSON shape; anything else is rejected and retried.
const obligationSchemaPrompt = `You are an obligation extraction engine for regulatory and tender specification text.
Given one clause of regulation text, extract every atomic obligation it imposes.

Return a JSON object with exactly one key:
  "obligations" : array of {"subject": string, "condition": string, "requirement": string, "severity": string}

Field rules:
- subject     : the regulated party or action (e.g. "bidder", "contracting authority"). Required.
- condition   : the trigger predicate, if the obligation is conditional ("if the contract value exceeds..."). Empty string when unconditional.
- requirement : the mandated behaviour, quoted as closely to the clause text as possible. Required.
- severity    : "mandatory" for shall/must/required language, "recommended" for should/encouraged, "informational" for notes and definitions. When unsure, use "recommended".
- A clause that imposes no obligation yields an empty array.
- Do NOT include any text outside the JSON object.

EXAMPLES:

Input: "3.1 Bidders must submit a bid bond of no less than 2%% of contract value."
Output:
{"obligations": [{"subject": "bidder", "condition": "", "requirement": "submit a bid bond of no less than 2%% of contract value", "severity": "mandatory"}]}

Input: "5.2 Where the works exceed 12 months, the contractor should provide a programme update each quarter."
Output:
{"obligations": [{"subject": "contractor", "condition": "works exceed 12 months", "requirement": "provide a programme update each quarter", "severity": "recommended"}]}

Input: "1.1 In this contract, \"Employer\" means the procuring entity."
Output:
{"obligations": [{"subject": "contract reader", "condition": "", "requirement": "interpret \"Employer\" as the procuring entity", "severity": "informational"}]}

CLAUSE %s:
%s`

// crossRefPattern finds references to other sections inside a clause, e.g.
// "subject to clause 3.2" or "as defined in section 1.1". These become
// depends_on hints for the knowledge graph.
var crossRefPattern = regexp.MustCompile(`(?i)(?:clause|section|article|paragraph)\s+(\d+(?:\.\d+)+|\d+)`)

// Obligation is one extracted obligation before IDs are assigned by the
// corpus generation. RefPaths holds cross-referenced section paths found in
// the originating clause.
type Obligation struct {
	SourcePath  string
	Subject     string
	Condition   string
	Requirement string
	Severity    graph.Severity
	RefPaths    []string
}

// Failure records a clause whose extraction did not succeed.
type Failure struct {
	ClauseID int64
	Path     string
	Err      error
}

// Config controls extraction behaviour. Zero values get defaults.
type Config struct {
	MaxRetries  int           // schema-validation retries per clause (default 2)
	Concurrency int           // parallel LLM calls (default 8)
	Timeout     time.Duration // per-clause budget including retries (default 90s)
}

// Extractor runs structured extraction over regulation clauses.
type Extractor struct {
	chat llm.Provider
	cfg  Config
}

// New creates an Extractor.
func New(chat llm.Provider, cfg Config) *Extractor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Extractor{chat: chat, cfg: cfg}
}

// ExtractAll processes clauses in parallel and returns the extracted
// obligations in clause order, plus per-clause failures. A failure never
// aborts the batch; partial corpus ingestion is reported, not fatal.
func (e *Extractor) ExtractAll(ctx context.Context, clauses []segment.Clause) ([]Obligation, []Failure) {
	perClause := make([][]Obligation, len(clauses))
	failures := make([]Failure, 0)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.Concurrency)
	)

	start := time.Now()
	for i := range clauses {
		wg.Add(1)
		go func(idx int, clause segment.Clause) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				failures = append(failures, Failure{ClauseID: clause.ID, Path: clause.Path, Err: ctx.Err()})
				mu.Unlock()
				return
			}

			clauseCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()

			obs, err := e.extractClause(clauseCtx, clause)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, Failure{ClauseID: clause.ID, Path: clause.Path, Err: err})
				return
			}
			perClause[idx] = obs
		}(i, clauses[i])
	}
	wg.Wait()

	var result []Obligation
	for _, obs := range perClause {
		result = append(result, obs...)
	}

	slog.Info("extract: batch complete",
		"clauses", len(clauses), "obligations", len(result),
		"failures", len(failures), "elapsed", time.Since(start).Round(time.Millisecond))
	return result, sortFailures(failures)
}

// extractClause runs the schema-constrained extraction for one clause,
// feeding parse failures back as context on retry.
func (e *Extractor) extractClause(ctx context.Context, clause segment.Clause) ([]Obligation, error) {
	messages := []llm.Message{
		{Role: "user", Content: fmt.Sprintf(obligationSchemaPrompt, clause.Path, clause.Text)},
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Feed the failure back so the model can correct its output.
			messages = append(messages, llm.Message{
				Role: "user",
				Content: fmt.Sprintf(
					"Your previous response was rejected: %v. Respond again with ONLY the JSON object in the required schema.",
					lastErr),
			})
		}

		resp, err := e.chat.Chat(ctx, llm.ChatRequest{
			Messages:       messages,
			Temperature:    0.0,
			ResponseFormat: "json_object",
		})
		if err != nil {
			return nil, fmt.Errorf("%w: clause %s: %v", ErrExtractionFailed, clause.Path, err)
		}
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})

		obs, err := parseObligations(resp.Content)
		if err != nil {
			lastErr = err
			slog.Debug("extract: schema rejection",
				"clause", clause.Path, "attempt", attempt, "error", err)
			continue
		}

		refs := crossRefs(clause.Text, clause.Path)
		for i := range obs {
			obs[i].SourcePath = clause.Path
			obs[i].RefPaths = refs
		}
		return obs, nil
	}

	return nil, fmt.Errorf("%w: clause %s: %v", ErrExtractionFailed, clause.Path, lastErr)
}

// rawObligation is the JSON shape the model must return.
type rawObligation struct {
	Subject     string `json:"subject"`
	Condition   string `json:"condition"`
	Requirement string `json:"requirement"`
	Severity    string `json:"severity"`
}

type extractionResult struct {
	Obligations []rawObligation `json:"obligations"`
}

// parseObligations validates a model response against the fixed schema.
// Records missing a subject or requirement are rejected so the caller
// retries; severity is normalised, defaulting to recommended, never
// mandatory or informational.
func parseObligations(raw string) ([]Obligation, error) {
	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var result extractionResult
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("response is not valid schema JSON: %v", err)
	}
	if result.Obligations == nil {
		return nil, fmt.Errorf(`response is missing the "obligations" array`)
	}

	obs := make([]Obligation, 0, len(result.Obligations))
	for i, r := range result.Obligations {
		if strings.TrimSpace(r.Requirement) == "" {
			return nil, fmt.Errorf("obligation %d has an empty requirement", i)
		}
		if strings.TrimSpace(r.Subject) == "" {
			return nil, fmt.Errorf("obligation %d has an empty subject", i)
		}
		obs = append(obs, Obligation{
			Subject:     strings.TrimSpace(r.Subject),
			Condition:   strings.TrimSpace(r.Condition),
			Requirement: strings.TrimSpace(r.Requirement),
			Severity:    graph.ParseSeverity(r.Severity),
		})
	}
	return obs, nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the model response, tolerating markdown
// fences and prose around it.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// crossRefs collects section paths referenced by a clause, excluding
// self-references.
func crossRefs(text, selfPath string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, m := range crossRefPattern.FindAllStringSubmatch(text, -1) {
		path := m[1]
		if path == selfPath || seen[path] {
			continue
		}
		seen[path] = true
		refs = append(refs, path)
	}
	return refs
}

// sortFailures orders failures by clause ID so reports are stable across
// runs regardless of goroutine completion order.
func sortFailures(failures []Failure) []Failure {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].ClauseID < failures[j].ClauseID
	})
	return failures
}
