package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlanResponse(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantQueries  []string
		wantClarify  string
		wantFallback bool
	}{
		{
			name:        "clean json",
			raw:         `{"subQueries": ["a", "b"], "outline": ["Intro"]}`,
			wantQueries: []string{"a", "b"},
		},
		{
			name:        "fenced json",
			raw:         "```json\n{\"subQueries\": [\"a\"]}\n```",
			wantQueries: []string{"a"},
		},
		{
			name:        "json embedded in prose",
			raw:         `Here is the plan: {"subQueries": ["a"]} hope that helps`,
			wantQueries: []string{"a"},
		},
		{
			name:        "clarification instead of queries",
			raw:         `{"subQueries": [], "clarification": "Which model year?"}`,
			wantClarify: "Which model year?",
		},
		{
			name:         "garbage degrades to raw query",
			raw:          "I cannot produce JSON today.",
			wantFallback: true,
		},
		{
			name:        "duplicate and blank queries dropped",
			raw:         `{"subQueries": ["a", " a ", "", "b"]}`,
			wantQueries: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := parsePlanResponse(tt.raw, "original question")

			if tt.wantFallback {
				assert.Equal(t, []string{"original question"}, plan.SubQueries)
				return
			}
			if tt.wantClarify != "" {
				assert.Equal(t, tt.wantClarify, plan.Clarification)
				assert.Empty(t, plan.SubQueries)
				return
			}
			assert.Equal(t, tt.wantQueries, plan.SubQueries)
		})
	}
}

func TestParseFactsResponse(t *testing.T) {
	facts := parseFactsResponse("```json\n{\"facts\": [\"one\", \"two\", \"one\"]}\n```")
	assert.Equal(t, []string{"one", "two"}, facts)

	assert.Empty(t, parseFactsResponse("not json at all"))
	assert.Empty(t, parseFactsResponse(`{"facts": []}`))
}

func TestParseReviewResponse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantVerdict string
		wantText    string
		wantMissing int
	}{
		{
			name:        "sufficient with final text",
			raw:         `{"verdict": "sufficient", "finalText": "done"}`,
			wantVerdict: VerdictSufficient,
			wantText:    "done",
		},
		{
			name:        "insufficient with gaps",
			raw:         `{"verdict": "insufficient", "finalText": "partial", "missingQueries": ["more on X"]}`,
			wantVerdict: VerdictInsufficient,
			wantText:    "partial",
			wantMissing: 1,
		},
		{
			name:        "unknown verdict defaults to sufficient",
			raw:         `{"verdict": "maybe"}`,
			wantVerdict: VerdictSufficient,
			wantText:    "the draft",
		},
		{
			name:        "prose keeps draft",
			raw:         "Looks good to me!",
			wantVerdict: VerdictSufficient,
			wantText:    "the draft",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseReviewResponse(tt.raw, "the draft")
			assert.Equal(t, tt.wantVerdict, result.Verdict)
			assert.Equal(t, tt.wantText, result.FinalText)
			assert.Len(t, result.MissingQueries, tt.wantMissing)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}

func TestMeanVector(t *testing.T) {
	// Second member joins: centroid moves halfway.
	got := meanVector([]float32{2, 0}, []float32{0, 0}, 2)
	assert.Equal(t, []float32{1, 0}, got)

	// Mismatched lengths leave the centroid untouched.
	same := meanVector([]float32{1, 2}, []float32{1}, 2)
	assert.Equal(t, []float32{1, 2}, same)
}
