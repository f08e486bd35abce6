package artifact

import "time"

// Status is the lifecycle state recorded in a session manifest.
type Status string

const (
	StatusRunning            Status = "running"
	StatusCancelled          Status = "cancelled"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusNeedsClarification Status = "needs_clarification"
)

// Terminal reports whether the status ends the job for good.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusError
}

// Kind classifies artifacts by the phase output they carry.
type Kind string

const (
	KindRaw        Kind = "raw"
	KindExtracted  Kind = "extracted"
	KindClusters   Kind = "clusters"
	KindEmbeddings Kind = "embeddings"
	KindPlan       Kind = "plan"
	KindOutline    Kind = "outline"
	KindDraft      Kind = "draft"
)

// Count keys used in Manifest.Counts.
const (
	CountCandidates    = "candidates"
	CountExtractedDocs = "extractedDocs"
	CountFacts         = "facts"
	CountClusters      = "clusters"
	CountEvidence      = "evidence"
)

// Budgets are immutable once the job starts.
type Budgets struct {
	WallClockMs  int64 `json:"wallClockMs"`
	LLMTurnsHard int   `json:"llmTurnsHard"`
	LLMTurnsSoft int   `json:"llmTurnsSoft"`
}

type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type PhaseTimes struct {
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Manifest is the single source of truth for resuming or auditing a job
// after a process restart. All mutation goes through the store worker so
// writes stay serialized and counters stay monotonic.
type Manifest struct {
	ID            string                `json:"id"`
	Query         string                `json:"query"`
	Status        Status                `json:"status"`
	Budgets       Budgets               `json:"budgets"`
	LLMTurnsUsed  int                   `json:"llmTurnsUsed"`
	TokensByPhase map[string]TokenUsage `json:"tokensByPhase"`
	Counts        map[string]int        `json:"counts"`
	Phases        map[string]PhaseTimes `json:"phases"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

func NewManifest(id, query string, budgets Budgets) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		ID:            id,
		Query:         query,
		Status:        StatusRunning,
		Budgets:       budgets,
		TokensByPhase: make(map[string]TokenUsage),
		Counts:        make(map[string]int),
		Phases:        make(map[string]PhaseTimes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PhaseStarted reports whether the named phase has a recorded start.
func (m *Manifest) PhaseStarted(phase string) bool {
	t, ok := m.Phases[phase]
	return ok && t.StartedAt != nil
}

// PhaseCompleted reports whether the named phase has a recorded completion.
func (m *Manifest) PhaseCompleted(phase string) bool {
	t, ok := m.Phases[phase]
	return ok && t.CompletedAt != nil
}

// SessionMeta is the per-session summary kept in the root index file.
type SessionMeta struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionIndex struct {
	Sessions map[string]SessionMeta `json:"sessions"`
}
