package engine

import (
	"context"

	"github.com/ItzCrazyKns/deepresearch/internal/model/contract"
	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"
	"github.com/ItzCrazyKns/deepresearch/internal/search"
)

// Phase names as recorded in the manifest.
const (
	PhasePlan       = "plan"
	PhaseRetrieve   = "retrieve"
	PhaseExtract    = "extract"
	PhaseCluster    = "cluster"
	PhaseSynthesize = "synthesize"
	PhaseReview     = "review"
)

// Options tunes a single job.
type Options struct {
	Budgets BudgetOverrides
}

// BudgetOverrides carries per-job budget values. Nil fields fall back
// to the configured defaults; an explicit zero wall clock means the
// budget is already spent, so the job answers from what it has
// without gathering.
type BudgetOverrides struct {
	WallClockMs  *int64 `json:"wallClockMs,omitempty"`
	LLMTurnsHard *int   `json:"llmTurnsHard,omitempty"`
	LLMTurnsSoft *int   `json:"llmTurnsSoft,omitempty"`
}

// Plan is the Plan phase output: the sub-queries to research and a
// report outline. A non-empty Clarification means the query is too
// ambiguous to research and the job ends asking the user for more.
type Plan struct {
	SubQueries    []string `json:"subQueries"`
	Outline       []string `json:"outline"`
	Clarification string   `json:"clarification,omitempty"`
}

// Block is one content unit in the output stream.
type Block struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// BlockPatch is the incremental update applied to an emitted block.
type BlockPatch struct {
	Content string `json:"content"`
}

// RawCapture is one retrieved page, stored as a raw artifact.
type RawCapture struct {
	Query    string           `json:"query"`
	Result   search.Result    `json:"result"`
	Document *search.Document `json:"document,omitempty"`
}

// Fact is a single extracted statement with its source.
type Fact struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	URL  string `json:"url"`
}

// ExtractedDoc is the Extract phase output for one source document.
type ExtractedDoc struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Facts []Fact `json:"facts"`
}

// Cluster groups related facts for synthesis.
type Cluster struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Facts []Fact `json:"facts"`
}

// ReviewResult is the Review phase verdict over the draft.
type ReviewResult struct {
	Verdict        string   `json:"verdict"`
	FinalText      string   `json:"finalText"`
	MissingQueries []string `json:"missingQueries,omitempty"`
}

const (
	VerdictSufficient   = "sufficient"
	VerdictInsufficient = "insufficient"
)

// Store is the slice of the artifact store the engine depends on.
type Store interface {
	CreateManifest(m *artifact.Manifest) error
	GetManifest(id string) (*artifact.Manifest, error)
	MarkPhaseStarted(id, phase string) error
	MarkPhaseCompleted(id, phase string) error
	AddUsage(id, phase string, usage artifact.TokenUsage, turns int) error
	AddCounts(id string, counts map[string]int) error
	SetStatus(id string, status artifact.Status, errMsg string) error
	WriteArtifact(id string, kind artifact.Kind, label string, v interface{}) (string, error)
	ReadArtifact(id string, kind artifact.Kind, name string, v interface{}) error
	ListArtifacts(id string, kind artifact.Kind) ([]string, error)
	UpsertVector(sessionID, id string, vector []float32, metadata map[string]string, content string) error
	SearchVectors(sessionID string, vector []float32, limit int) ([]artifact.VectorResult, error)
}

// Fetcher retrieves the readable content of a candidate page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*search.Document, error)
}

// History re-exported for callers building job requests.
type History = []contract.Message
