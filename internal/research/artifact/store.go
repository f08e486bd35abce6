package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/philippgille/chromem-go"
)

type Operation int

const (
	OpCreateManifest Operation = iota
	OpGetManifest
	OpPhaseStarted
	OpPhaseCompleted
	OpAddUsage
	OpAddCounts
	OpSetStatus
	OpWriteArtifact
	OpReadArtifact
	OpListArtifacts
	OpDeleteSession
	OpListSessions
	OpUpsertVector
	OpSearchVectors
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type CreateManifestPayload struct {
	Manifest *Manifest
}

type GetManifestPayload struct {
	SessionID string
}

type PhasePayload struct {
	SessionID string
	Phase     string
}

type AddUsagePayload struct {
	SessionID string
	Phase     string
	Usage     TokenUsage
	Turns     int
}

type AddCountsPayload struct {
	SessionID string
	Counts    map[string]int
}

type SetStatusPayload struct {
	SessionID string
	Status    Status
	Error     string
}

type WriteArtifactPayload struct {
	SessionID string
	Kind      Kind
	Name      string
	Data      []byte // JSON document
}

type ReadArtifactPayload struct {
	SessionID string
	Kind      Kind
	Name      string
}

type ListArtifactsPayload struct {
	SessionID string
	Kind      Kind
}

type DeleteSessionPayload struct {
	SessionID string
}

type UpsertVectorPayload struct {
	Collection string
	ID         string
	Vector     []float32
	Metadata   map[string]string
	Content    string
}

type SearchVectorsPayload struct {
	Collection string
	Vector     []float32
	Limit      int
}

type VectorResult struct {
	ID       string
	Score    float32
	Metadata map[string]string
	Content  string
}

// Worker owns all writes under the store root. Every mutation is funneled
// through a single goroutine so manifest updates never race and the
// write-temp-rename discipline holds for each file individually.
type Worker struct {
	rootPath  string
	inbox     chan Request
	fileLock  *FileLock
	quit      chan struct{}
	wg        sync.WaitGroup
	index     *SessionIndex
	manifests map[string]*Manifest
	vectorDB  *chromem.DB
	running   stdatomic.Bool
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func NewWorker(rootPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	basePath, err := ResolveRootPath(rootPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", basePath, err)
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	if runtimeCfg.LockMaxRetry <= 0 {
		runtimeCfg.LockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}

	fileLock, err := NewFileLock(basePath, &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	index := &SessionIndex{Sessions: make(map[string]SessionMeta)}
	indexPath := filepath.Join(basePath, IndexFileName)
	if data, err := os.ReadFile(indexPath); err == nil {
		if err := json.Unmarshal(data, index); err != nil {
			slog.Warn("Failed to parse session index, starting fresh", "error", err)
		}
	}

	vectorPath := filepath.Join(basePath, "vectors")
	if err := os.MkdirAll(vectorPath, 0755); err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to create vector dir: %w", err)
	}
	vectorDB, err := chromem.NewPersistentDB(vectorPath, false)
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to init vector db: %w", err)
	}

	return &Worker{
		rootPath:  basePath,
		inbox:     make(chan Request, runtimeCfg.InboxSize),
		fileLock:  fileLock,
		quit:      make(chan struct{}),
		index:     index,
		manifests: make(map[string]*Manifest),
		vectorDB:  vectorDB,
	}, nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) RootPath() string {
	return w.rootPath
}

func (w *Worker) loop() {
	slog.Info("ArtifactStore worker started", "root", w.rootPath)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("ArtifactStore worker stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpCreateManifest:
		p, ok := req.Payload.(CreateManifestPayload)
		if !ok {
			return fmt.Errorf("invalid payload for CreateManifest")
		}
		return w.createManifest(p.Manifest)
	case OpGetManifest:
		p, ok := req.Payload.(GetManifestPayload)
		if !ok {
			return fmt.Errorf("invalid payload for GetManifest")
		}
		m, err := w.getManifest(p.SessionID)
		if req.Response != nil {
			if m != nil {
				req.Response <- cloneManifest(m)
			} else {
				req.Response <- nil
			}
		}
		return err
	case OpPhaseStarted:
		p, ok := req.Payload.(PhasePayload)
		if !ok {
			return fmt.Errorf("invalid payload for PhaseStarted")
		}
		return w.mutateManifest(p.SessionID, func(m *Manifest) {
			t := m.Phases[p.Phase]
			if t.StartedAt == nil {
				now := time.Now().UTC()
				t.StartedAt = &now
				m.Phases[p.Phase] = t
			}
		})
	case OpPhaseCompleted:
		p, ok := req.Payload.(PhasePayload)
		if !ok {
			return fmt.Errorf("invalid payload for PhaseCompleted")
		}
		return w.mutateManifest(p.SessionID, func(m *Manifest) {
			t := m.Phases[p.Phase]
			if t.CompletedAt == nil {
				now := time.Now().UTC()
				t.CompletedAt = &now
				m.Phases[p.Phase] = t
			}
		})
	case OpAddUsage:
		p, ok := req.Payload.(AddUsagePayload)
		if !ok {
			return fmt.Errorf("invalid payload for AddUsage")
		}
		return w.mutateManifest(p.SessionID, func(m *Manifest) {
			u := m.TokensByPhase[p.Phase]
			if p.Usage.PromptTokens > 0 {
				u.PromptTokens += p.Usage.PromptTokens
			}
			if p.Usage.CompletionTokens > 0 {
				u.CompletionTokens += p.Usage.CompletionTokens
			}
			m.TokensByPhase[p.Phase] = u
			if p.Turns > 0 {
				m.LLMTurnsUsed += p.Turns
			}
		})
	case OpAddCounts:
		p, ok := req.Payload.(AddCountsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for AddCounts")
		}
		return w.mutateManifest(p.SessionID, func(m *Manifest) {
			for k, v := range p.Counts {
				if v > 0 {
					m.Counts[k] += v
				}
			}
		})
	case OpSetStatus:
		p, ok := req.Payload.(SetStatusPayload)
		if !ok {
			return fmt.Errorf("invalid payload for SetStatus")
		}
		return w.setStatus(p)
	case OpWriteArtifact:
		p, ok := req.Payload.(WriteArtifactPayload)
		if !ok {
			return fmt.Errorf("invalid payload for WriteArtifact")
		}
		return w.writeArtifact(p)
	case OpReadArtifact:
		p, ok := req.Payload.(ReadArtifactPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ReadArtifact")
		}
		data, err := w.readArtifact(p)
		if req.Response != nil {
			req.Response <- data
		}
		return err
	case OpListArtifacts:
		p, ok := req.Payload.(ListArtifactsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ListArtifacts")
		}
		names, err := w.listArtifacts(p)
		if req.Response != nil {
			req.Response <- names
		}
		return err
	case OpDeleteSession:
		p, ok := req.Payload.(DeleteSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for DeleteSession")
		}
		return w.deleteSession(p.SessionID)
	case OpListSessions:
		metas := make([]SessionMeta, 0, len(w.index.Sessions))
		for _, m := range w.index.Sessions {
			metas = append(metas, m)
		}
		if req.Response != nil {
			req.Response <- metas
		}
		return nil
	case OpUpsertVector:
		p, ok := req.Payload.(UpsertVectorPayload)
		if !ok {
			return fmt.Errorf("invalid payload for UpsertVector")
		}
		return w.upsertVector(p)
	case OpSearchVectors:
		p, ok := req.Payload.(SearchVectorsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for SearchVectors")
		}
		res, err := w.searchVectors(p)
		if req.Response != nil {
			req.Response <- res
		}
		return err
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (w *Worker) createManifest(m *Manifest) error {
	if err := ValidateSessionID(m.ID); err != nil {
		return err
	}
	if _, exists := w.index.Sessions[m.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("session %s already exists", m.ID))
	}

	dir := sessionDir(w.rootPath, m.ID)
	if err := os.MkdirAll(filepath.Join(dir, ArtifactsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	clone := cloneManifest(m)
	if err := w.persistManifest(clone); err != nil {
		return err
	}
	w.manifests[m.ID] = clone

	w.index.Sessions[m.ID] = SessionMeta{
		ID:        m.ID,
		Query:     m.Query,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	return w.saveIndex()
}

// getManifest serves from the in-memory cache, falling back to disk so
// sessions written by a previous process remain readable.
func (w *Worker) getManifest(id string) (*Manifest, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if m, ok := w.manifests[id]; ok {
		return m, nil
	}

	data, err := os.ReadFile(manifestPath(w.rootPath, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(err, "parse manifest")
	}
	if m.TokensByPhase == nil {
		m.TokensByPhase = make(map[string]TokenUsage)
	}
	if m.Counts == nil {
		m.Counts = make(map[string]int)
	}
	if m.Phases == nil {
		m.Phases = make(map[string]PhaseTimes)
	}
	w.manifests[id] = &m
	return &m, nil
}

func (w *Worker) mutateManifest(id string, mutate func(*Manifest)) error {
	m, err := w.getManifest(id)
	if err != nil {
		return err
	}
	if m == nil {
		return apperrors.NotFound(fmt.Sprintf("session %s not found", id))
	}

	mutate(m)
	m.UpdatedAt = time.Now().UTC()
	return w.persistManifest(m)
}

func (w *Worker) setStatus(p SetStatusPayload) error {
	err := w.mutateManifest(p.SessionID, func(m *Manifest) {
		m.Status = p.Status
		if p.Error != "" {
			m.Error = p.Error
		}
	})
	if err != nil {
		return err
	}

	meta, ok := w.index.Sessions[p.SessionID]
	if !ok {
		return nil
	}
	meta.Status = p.Status
	meta.UpdatedAt = time.Now().UTC()
	w.index.Sessions[p.SessionID] = meta
	return w.saveIndex()
}

func (w *Worker) persistManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(manifestPath(w.rootPath, m.ID), bytes.NewReader(data))
}

func (w *Worker) saveIndex() error {
	data, err := json.MarshalIndent(w.index, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(w.rootPath, IndexFileName), bytes.NewReader(data))
}

func (w *Worker) writeArtifact(p WriteArtifactPayload) error {
	if err := ValidateSessionID(p.SessionID); err != nil {
		return err
	}
	if !json.Valid(p.Data) {
		return apperrors.InvalidInput("artifact payload is not valid JSON")
	}

	dir := artifactDir(w.rootPath, p.SessionID, p.Kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	path := artifactPath(w.rootPath, p.SessionID, p.Kind, p.Name)
	if !withinRoot(w.rootPath, path) {
		return apperrors.InvalidInput(fmt.Sprintf("artifact path escapes store root: %s", p.Name))
	}
	return atomic.WriteFile(path, bytes.NewReader(p.Data))
}

func (w *Worker) readArtifact(p ReadArtifactPayload) ([]byte, error) {
	if err := ValidateSessionID(p.SessionID); err != nil {
		return nil, err
	}
	path := artifactPath(w.rootPath, p.SessionID, p.Kind, p.Name)
	if !withinRoot(w.rootPath, path) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("artifact path escapes store root: %s", p.Name))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound(fmt.Sprintf("artifact %s/%s not found", p.Kind, p.Name))
		}
		return nil, err
	}
	return data, nil
}

func (w *Worker) listArtifacts(p ListArtifactsPayload) ([]string, error) {
	if err := ValidateSessionID(p.SessionID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(artifactDir(w.rootPath, p.SessionID, p.Kind))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	return names, nil
}

func (w *Worker) deleteSession(id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	dir := sessionDir(w.rootPath, id)
	if !withinRoot(w.rootPath, dir) {
		return apperrors.InvalidInput(fmt.Sprintf("session path escapes store root: %s", id))
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	if err := w.vectorDB.DeleteCollection(vectorCollection(id)); err != nil {
		slog.Warn("Failed to delete vector collection", "session", id, "error", err)
	}

	delete(w.manifests, id)
	delete(w.index.Sessions, id)
	return w.saveIndex()
}

func vectorCollection(sessionID string) string {
	return "session-" + sessionID
}

func (w *Worker) upsertVector(p UpsertVectorPayload) error {
	// Nil embedding func because callers provide embeddings
	col, err := w.vectorDB.GetOrCreateCollection(p.Collection, nil, nil)
	if err != nil {
		return err
	}
	// AddDocuments is upsert in chromem
	return col.AddDocuments(context.Background(), []chromem.Document{
		{
			ID:        p.ID,
			Metadata:  p.Metadata,
			Embedding: p.Vector,
			Content:   p.Content,
		},
	}, 1)
}

func (w *Worker) searchVectors(p SearchVectorsPayload) ([]VectorResult, error) {
	col := w.vectorDB.GetCollection(p.Collection, nil)
	if col == nil {
		return []VectorResult{}, nil
	}

	limit := p.Limit
	if count := col.Count(); limit > count {
		limit = count
	}
	if limit <= 0 {
		return []VectorResult{}, nil
	}

	docs, err := col.QueryEmbedding(context.Background(), p.Vector, limit, nil, nil)
	if err != nil {
		return nil, err
	}

	var results []VectorResult
	for _, doc := range docs {
		results = append(results, VectorResult{
			ID:       doc.ID,
			Score:    doc.Similarity,
			Metadata: doc.Metadata,
			Content:  doc.Content,
		})
	}
	return results, nil
}

func cloneManifest(m *Manifest) *Manifest {
	clone := *m
	clone.TokensByPhase = make(map[string]TokenUsage, len(m.TokensByPhase))
	for k, v := range m.TokensByPhase {
		clone.TokensByPhase[k] = v
	}
	clone.Counts = make(map[string]int, len(m.Counts))
	for k, v := range m.Counts {
		clone.Counts[k] = v
	}
	clone.Phases = make(map[string]PhaseTimes, len(m.Phases))
	for k, v := range m.Phases {
		clone.Phases[k] = v
	}
	return &clone
}

// Public API for other components

func (w *Worker) CreateManifest(m *Manifest) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpCreateManifest,
		Payload: CreateManifestPayload{Manifest: m},
		Result:  res,
	}
	return <-res
}

// GetManifest returns a copy of the session manifest, or nil if the
// session does not exist.
func (w *Worker) GetManifest(id string) (*Manifest, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpGetManifest,
		Payload:  GetManifestPayload{SessionID: id},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	val := <-resp
	if val == nil {
		return nil, nil
	}
	return val.(*Manifest), nil
}

func (w *Worker) MarkPhaseStarted(id, phase string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpPhaseStarted,
		Payload: PhasePayload{SessionID: id, Phase: phase},
		Result:  res,
	}
	return <-res
}

func (w *Worker) MarkPhaseCompleted(id, phase string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpPhaseCompleted,
		Payload: PhasePayload{SessionID: id, Phase: phase},
		Result:  res,
	}
	return <-res
}

func (w *Worker) AddUsage(id, phase string, usage TokenUsage, turns int) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpAddUsage,
		Payload: AddUsagePayload{SessionID: id, Phase: phase, Usage: usage, Turns: turns},
		Result:  res,
	}
	return <-res
}

func (w *Worker) AddCounts(id string, counts map[string]int) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpAddCounts,
		Payload: AddCountsPayload{SessionID: id, Counts: counts},
		Result:  res,
	}
	return <-res
}

func (w *Worker) SetStatus(id string, status Status, errMsg string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpSetStatus,
		Payload: SetStatusPayload{SessionID: id, Status: status, Error: errMsg},
		Result:  res,
	}
	return <-res
}

// WriteArtifact marshals v and stores it under the session's artifact
// tree. It returns the sanitized artifact name.
func (w *Worker) WriteArtifact(id string, kind Kind, label string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(err, "marshal artifact")
	}
	name := SanitizeName(label, data)

	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpWriteArtifact,
		Payload: WriteArtifactPayload{SessionID: id, Kind: kind, Name: name, Data: data},
		Result:  res,
	}
	if err := <-res; err != nil {
		return "", err
	}
	return name, nil
}

func (w *Worker) ReadArtifact(id string, kind Kind, name string, v interface{}) error {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpReadArtifact,
		Payload:  ReadArtifactPayload{SessionID: id, Kind: kind, Name: name},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return err
	}
	data := (<-resp).([]byte)
	return json.Unmarshal(data, v)
}

func (w *Worker) ListArtifacts(id string, kind Kind) ([]string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpListArtifacts,
		Payload:  ListArtifactsPayload{SessionID: id, Kind: kind},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	return (<-resp).([]string), nil
}

func (w *Worker) DeleteSession(id string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpDeleteSession,
		Payload: DeleteSessionPayload{SessionID: id},
		Result:  res,
	}
	return <-res
}

func (w *Worker) ListSessions() ([]SessionMeta, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpListSessions,
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	return (<-resp).([]SessionMeta), nil
}

func (w *Worker) UpsertVector(sessionID, id string, vector []float32, metadata map[string]string, content string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op: OpUpsertVector,
		Payload: UpsertVectorPayload{
			Collection: vectorCollection(sessionID),
			ID:         id,
			Vector:     vector,
			Metadata:   metadata,
			Content:    content,
		},
		Result: res,
	}
	return <-res
}

func (w *Worker) SearchVectors(sessionID string, vector []float32, limit int) ([]VectorResult, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op: OpSearchVectors,
		Payload: SearchVectorsPayload{
			Collection: vectorCollection(sessionID),
			Vector:     vector,
			Limit:      limit,
		},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	return (<-resp).([]VectorResult), nil
}

func (w *Worker) Stop() {
	slog.Info("ArtifactStore Stop called", "root", w.rootPath, "lock_held", w.fileLock.IsLocked())

	close(w.quit)
	w.wg.Wait()

	if w.fileLock.IsLocked() {
		w.fileLock.Unlock()
	}
}

func (w *Worker) IsLockHeld() bool {
	return w.fileLock.IsLocked()
}

func (w *Worker) IsRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}
