// Package segment splits extracted document text into addressable clauses
// forming a tree. Segmentation is pattern-driven and fully deterministic:
// no network or model calls are made.
package segment

import (
	"fmt"
	"strings"
)

// Clause is one addressable unit of document text. IDs are assigned
// sequentially within a single segmentation run; ParentID refers to the
// nearest enclosing heading clause in the same run, or is nil for roots.
type Clause struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	Text     string `json:"text"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// openClause tracks a numbered clause still accepting children.
type openClause struct {
	id       int64
	path     string
	level    int
	synthSeq int // counter for synthetic trailing clauses under this clause
	enumSeq  int // counter for unlabelled bullet items under this clause
}

// Segment splits text into an ordered clause tree. A document with no
// recognizable headings yields exactly one root clause spanning the whole
// text; segmentation never fails, it only degrades in granularity.
func Segment(text string) []Clause {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	blocks := splitBlocks(text)

	if !hasAnyHeading(blocks) {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			trimmed = text
		}
		return []Clause{{ID: 1, Path: "1", Text: trimmed}}
	}

	var (
		clauses []Clause
		stack   []openClause // innermost numbered clause last
		nextID  int64 = 1
		preSeq  int
	)

	push := func(c Clause, level int) *openClause {
		clauses = append(clauses, c)
		stack = append(stack, openClause{id: c.ID, path: c.Path, level: level})
		return &stack[len(stack)-1]
	}

	top := func() *openClause {
		if len(stack) == 0 {
			return nil
		}
		return &stack[len(stack)-1]
	}

	for _, block := range blocks {
		head := firstLine(block)

		if numbering, ok := DetectNumbering(head); ok {
			level := NumberingLevel(numbering)
			// Close every open clause at the same or deeper level.
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			c := Clause{ID: nextID, Path: numbering, Text: strings.TrimSpace(block)}
			if p := top(); p != nil {
				pid := p.id
				c.ParentID = &pid
			}
			nextID++
			push(c, level)
			continue
		}

		parent := top()

		if marker, ok := DetectEnumerator(head); ok && parent != nil {
			pid := parent.id
			clauses = append(clauses, Clause{
				ID:       nextID,
				Path:     parent.path + "." + marker,
				Text:     strings.TrimSpace(block),
				ParentID: &pid,
			})
			nextID++
			continue
		}

		if isBullet(head) && parent != nil {
			parent.enumSeq++
			pid := parent.id
			clauses = append(clauses, Clause{
				ID:       nextID,
				Path:     fmt.Sprintf("%s.b%d", parent.path, parent.enumSeq),
				Text:     strings.TrimSpace(block),
				ParentID: &pid,
			})
			nextID++
			continue
		}

		if IsHeading(head) && parent == nil {
			// Unnumbered top-level heading (ALLCAPS, Article, Annex).
			// Treat as a root clause addressed by document order.
			preSeq++
			c := Clause{ID: nextID, Path: fmt.Sprintf("h%d", preSeq), Text: strings.TrimSpace(block)}
			nextID++
			push(c, 1)
			continue
		}

		if parent == nil {
			// Preamble text before the first heading.
			preSeq++
			clauses = append(clauses, Clause{
				ID:   nextID,
				Path: fmt.Sprintf("0.%d", preSeq),
				Text: strings.TrimSpace(block),
			})
			nextID++
			continue
		}

		// Unnumbered paragraph: synthetic trailing clause under the
		// nearest preceding heading.
		parent.synthSeq++
		pid := parent.id
		clauses = append(clauses, Clause{
			ID:       nextID,
			Path:     fmt.Sprintf("%s.p%d", parent.path, parent.synthSeq),
			Text:     strings.TrimSpace(block),
			ParentID: &pid,
		})
		nextID++
	}

	return clauses
}

// hasAnyHeading reports whether any block opens with a recognizable heading.
func hasAnyHeading(blocks []string) bool {
	for _, b := range blocks {
		if IsHeading(firstLine(b)) {
			return true
		}
	}
	return false
}
