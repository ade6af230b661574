package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/llm"
	"github.com/tenderlens/speccheck/segment"
)

// judgmentPrompt constrains the model to the fixed rubric. Status must be
// one of the four enum values; anything else is rejected.
const judgmentPrompt = `You are a compliance judgment engine for tender document review.
Compare one clause of a submitted document against one regulatory obligation and judge compliance.

OBLIGATION (from regulation section %s):
- subject     : %s
- condition   : %s
- requirement : %s

DOCUMENT CLAUSE %s:
%s

Return a JSON object with exactly these keys:
  "status"     : one of "compliant", "violation", "ambiguous", "not_applicable"
  "rationale"  : one or two sentences citing the clause and obligation text
  "confidence" : a number between 0.0 and 1.0

Rules:
- "violation" only when the clause contradicts the requirement or falls short of a stated threshold.
- "not_applicable" when the obligation does not concern this clause's subject matter.
- "ambiguous" when the clause is relevant but the text does not settle compliance either way.
- Do NOT include any text outside the JSON object.`

// judgment is the JSON shape the model must return.
type judgment struct {
	Status     Status  `json:"status"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// callJudge issues the judgment request and validates the response against
// the rubric. Context deadline errors map to ErrJudgmentTimeout; schema
// violations map to ErrJudgmentUnparseable.
func (m *Matcher) callJudge(ctx context.Context, clause segment.Clause, ob graph.Obligation) (*judgment, error) {
	condition := ob.Condition
	if condition == "" {
		condition = "(unconditional)"
	}
	prompt := fmt.Sprintf(judgmentPrompt,
		ob.SourcePath, ob.Subject, condition, ob.Requirement,
		clause.Path, clause.Text)

	resp, err := m.judge.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrJudgmentTimeout
		}
		return nil, err
	}

	return parseJudgment(resp.Content)
}

// parseJudgment validates a raw model response against the rubric schema.
func parseJudgment(raw string) (*judgment, error) {
	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJudgmentUnparseable, err)
	}

	var j judgment
	if err := json.Unmarshal([]byte(jsonStr), &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJudgmentUnparseable, err)
	}
	if !validStatus(j.Status) {
		return nil, fmt.Errorf("%w: status %q is not in the rubric", ErrJudgmentUnparseable, j.Status)
	}
	if j.Confidence < 0 {
		j.Confidence = 0
	}
	if j.Confidence > 1 {
		j.Confidence = 1
	}
	return &j, nil
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
