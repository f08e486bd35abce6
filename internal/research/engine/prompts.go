package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ItzCrazyKns/deepresearch/internal/model/contract"
)

const planSystemPrompt = `You are a research planner. Given a user query and chat history, produce a JSON object:
{"subQueries": ["..."], "outline": ["..."], "clarification": ""}
- subQueries: 2-6 focused web search queries covering the question.
- outline: section headings for the final report.
- clarification: leave empty unless the query is too ambiguous to research; then ask one concise question instead and leave subQueries empty.
Respond with JSON only.`

const extractSystemPrompt = `You extract factual statements from a source document. Produce a JSON object:
{"facts": ["..."]}
Each fact is one self-contained sentence grounded in the document. Skip opinions, navigation text, and ads. At most 10 facts. Respond with JSON only.`

const synthesizeSystemPrompt = `You are a research writer. Using the evidence clusters provided, write a thorough, well-structured answer to the user's question in Markdown. Cite source URLs inline where a fact is used. If evidence is thin, answer best-effort from what is available and say so.`

const reviewSystemPrompt = `You review a draft research answer. Produce a JSON object:
{"verdict": "sufficient" | "insufficient", "finalText": "...", "missingQueries": ["..."]}
- finalText: the improved final answer (always provide it).
- verdict insufficient only when key aspects of the question are unanswered; then list the web searches that would fill the gaps.
Respond with JSON only.`

func planMessages(query string, history []contract.Message) []contract.Message {
	msgs := []contract.Message{{Role: "system", Content: planSystemPrompt}}
	msgs = append(msgs, history...)
	msgs = append(msgs, contract.Message{
		Role:    "user",
		Content: "Research query: " + query,
	})
	return msgs
}

func extractMessages(doc *RawCapture) []contract.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\nTitle: %s\n\n", doc.Result.URL, doc.Result.Title)
	if doc.Document != nil {
		b.WriteString(doc.Document.Markdown)
	} else {
		b.WriteString(doc.Result.Snippet)
	}
	return []contract.Message{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func synthesizeMessages(query string, outline []string, clusters []Cluster, captures []RawCapture) []contract.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	if len(outline) > 0 {
		b.WriteString("Suggested outline:\n")
		for _, h := range outline {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		b.WriteString("\n")
	}
	switch {
	case len(clusters) > 0:
		b.WriteString("Evidence clusters:\n")
		for _, c := range clusters {
			fmt.Fprintf(&b, "\n## %s\n", c.Label)
			for _, f := range c.Facts {
				fmt.Fprintf(&b, "- %s (%s)\n", f.Text, f.URL)
			}
		}
	case len(captures) > 0:
		b.WriteString("Raw sources (no extraction was run):\n")
		for _, c := range captures {
			fmt.Fprintf(&b, "- %s — %s: %s\n", c.Result.URL, c.Result.Title, c.Result.Snippet)
		}
	default:
		b.WriteString("No evidence was gathered. Answer from general knowledge and note the limitation.\n")
	}
	return []contract.Message{
		{Role: "system", Content: synthesizeSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func reviewMessages(query, draft string) []contract.Message {
	return []contract.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nDraft answer:\n%s", query, draft)},
	}
}

func parsePlanResponse(raw, query string) *Plan {
	normalized := cleanModelJSON(raw)

	var plan Plan
	if err := json.Unmarshal([]byte(normalized), &plan); err != nil {
		if extracted := extractFirstBalancedJSON(normalized, '{', '}'); extracted != "" {
			_ = json.Unmarshal([]byte(extracted), &plan)
		}
	}

	plan.SubQueries = normalizeLines(plan.SubQueries)
	plan.Outline = normalizeLines(plan.Outline)
	plan.Clarification = strings.TrimSpace(plan.Clarification)

	if len(plan.SubQueries) == 0 && plan.Clarification == "" {
		plan.SubQueries = []string{query}
	}
	return &plan
}

func parseFactsResponse(raw string) []string {
	normalized := cleanModelJSON(raw)

	var payload struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(normalized), &payload); err != nil {
		if extracted := extractFirstBalancedJSON(normalized, '{', '}'); extracted != "" {
			_ = json.Unmarshal([]byte(extracted), &payload)
		}
	}
	return normalizeLines(payload.Facts)
}

func parseReviewResponse(raw, draft string) *ReviewResult {
	normalized := cleanModelJSON(raw)

	var result ReviewResult
	if err := json.Unmarshal([]byte(normalized), &result); err != nil {
		if extracted := extractFirstBalancedJSON(normalized, '{', '}'); extracted != "" {
			_ = json.Unmarshal([]byte(extracted), &result)
		}
	}

	if result.Verdict != VerdictInsufficient {
		result.Verdict = VerdictSufficient
	}
	result.FinalText = strings.TrimSpace(result.FinalText)
	if result.FinalText == "" {
		// A reviewer that returned prose instead of JSON still improved
		// nothing; keep the draft.
		result.FinalText = draft
	}
	result.MissingQueries = normalizeLines(result.MissingQueries)
	return &result
}

func normalizeLines(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		clean := strings.TrimSpace(s)
		if clean == "" {
			continue
		}
		if _, exists := seen[clean]; exists {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}

func cleanModelJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func extractFirstBalancedJSON(input string, openB, closeB byte) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case openB:
			if depth == 0 {
				start = i
			}
			depth++
		case closeB:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
