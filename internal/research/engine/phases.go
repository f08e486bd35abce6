package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"
	"github.com/ItzCrazyKns/deepresearch/internal/research/session"
	"github.com/ItzCrazyKns/deepresearch/internal/search"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

func newBlockID() string {
	return ulid.Make().String()
}

// phasePlan decomposes the query into sub-queries and an outline. A
// model failure here degrades to researching the raw query rather than
// failing the job; only cancellation propagates.
func (e *Engine) phasePlan(ctx context.Context, st *jobState, h *session.Handle) error {
	if err := e.store.MarkPhaseStarted(st.id, PhasePlan); err != nil {
		return err
	}

	raw, err := e.llmCall(ctx, st, PhasePlan, planMessages(st.query, st.history))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Warn("Plan model call failed, researching raw query", "job_id", st.id, "error", err)
		st.plan = &Plan{SubQueries: []string{st.query}}
	} else {
		st.plan = parsePlanResponse(raw, st.query)
	}

	if len(st.plan.SubQueries) > e.maxSubQ {
		st.plan.SubQueries = st.plan.SubQueries[:e.maxSubQ]
	}

	if _, err := e.store.WriteArtifact(st.id, artifact.KindPlan, "plan", st.plan); err != nil {
		return err
	}
	if len(st.plan.Outline) > 0 {
		if _, err := e.store.WriteArtifact(st.id, artifact.KindOutline, "outline", st.plan.Outline); err != nil {
			return err
		}
	}
	return e.store.MarkPhaseCompleted(st.id, PhasePlan)
}

// phaseRetrieve fans out one retrieval unit per sub-query, bounded by
// the configured parallelism. A failing unit is logged and skipped;
// retrieval aborts cancel only the in-flight units.
func (e *Engine) phaseRetrieve(ctx context.Context, st *jobState, h *session.Handle) error {
	if err := e.store.MarkPhaseStarted(st.id, PhaseRetrieve); err != nil {
		return err
	}

	queries := st.plan.SubQueries
	if st.rounds > 0 && len(st.extraQueries) > 0 {
		queries = st.extraQueries
	}
	// Past the soft turn threshold, narrow the fan-out.
	if st.turnsUsed >= st.budgets.LLMTurnsSoft && len(queries) > 1 {
		queries = queries[:(len(queries)+1)/2]
	}

	var (
		mu         sync.Mutex
		candidates int
		captures   []RawCapture
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)

	for _, query := range queries {
		query := query
		g.Go(func() error {
			// A unit that was still queued when the job was asked to
			// answer must not start a fresh search.
			if e.run.SoftStopped(st.id) {
				return nil
			}
			unitCtx, cancel := context.WithCancel(gctx)
			token := e.run.RegisterRetrieval(st.id, cancel)
			defer func() {
				e.run.UnregisterRetrieval(st.id, token)
				cancel()
			}()

			results, err := e.searcher.Search(unitCtx, query, search.Options{
				MaxResults: e.cfg.Search.MaxResults,
			})
			if err != nil {
				slog.Warn("Retrieval unit failed", "job_id", st.id, "query", query, "error", err)
				return nil
			}

			mu.Lock()
			candidates += len(results)
			mu.Unlock()

			fetched := 0
			for _, result := range results {
				if fetched >= e.maxFetch || unitCtx.Err() != nil {
					break
				}
				doc, err := e.fetcher.Fetch(unitCtx, result.URL)
				if err != nil {
					slog.Debug("Fetch skipped", "job_id", st.id, "url", result.URL, "error", err)
					continue
				}
				fetched++

				capture := RawCapture{Query: query, Result: result, Document: doc}
				mu.Lock()
				captures = append(captures, capture)
				mu.Unlock()
			}
			return nil
		})
	}
	// Units never return errors; Wait only observes context teardown.
	_ = g.Wait()

	for _, capture := range captures {
		if _, err := e.store.WriteArtifact(st.id, artifact.KindRaw, capture.Result.URL, capture); err != nil {
			return err
		}
	}
	st.captures = append(st.captures, captures...)

	if candidates > 0 {
		if err := e.store.AddCounts(st.id, map[string]int{artifact.CountCandidates: candidates}); err != nil {
			return err
		}
	}

	slog.Info("Retrieval finished", "job_id", st.id,
		"queries", len(queries), "candidates", candidates, "fetched", len(captures))

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return e.store.MarkPhaseCompleted(st.id, PhaseRetrieve)
}

// phaseExtract turns each fetched page into grounded facts. One
// document failing extraction is non-fatal.
func (e *Engine) phaseExtract(ctx context.Context, st *jobState, h *session.Handle) error {
	if err := e.store.MarkPhaseStarted(st.id, PhaseExtract); err != nil {
		return err
	}

	if st.extracted == nil {
		st.extracted = make(map[string]bool)
	}

	docs := 0
	facts := 0
	for i := range st.captures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		capture := &st.captures[i]
		if st.extracted[capture.Result.URL] {
			continue
		}
		if e.boundary(ctx, st) != proceed {
			// Mid-phase turn exhaustion: keep what we have.
			break
		}

		raw, err := e.llmCall(ctx, st, PhaseExtract, extractMessages(capture))
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Warn("Extraction unit failed", "job_id", st.id, "url", capture.Result.URL, "error", err)
			continue
		}

		statements := parseFactsResponse(raw)
		if len(statements) == 0 {
			continue
		}

		doc := ExtractedDoc{URL: capture.Result.URL, Title: capture.Result.Title}
		for _, text := range statements {
			doc.Facts = append(doc.Facts, Fact{
				ID:   newBlockID(),
				Text: text,
				URL:  capture.Result.URL,
			})
		}

		if _, err := e.store.WriteArtifact(st.id, artifact.KindExtracted, capture.Result.URL, doc); err != nil {
			return err
		}

		st.extracted[capture.Result.URL] = true
		st.facts = append(st.facts, doc.Facts...)
		docs++
		facts += len(doc.Facts)
	}

	if docs > 0 {
		if err := e.store.AddCounts(st.id, map[string]int{
			artifact.CountExtractedDocs: docs,
			artifact.CountFacts:         facts,
		}); err != nil {
			return err
		}
	}

	slog.Info("Extraction finished", "job_id", st.id, "docs", docs, "facts", facts)
	return e.store.MarkPhaseCompleted(st.id, PhaseExtract)
}

// phaseCluster embeds every fact and groups them greedily by cosine
// similarity against each cluster's centroid. Facts whose embedding
// fails fall into a catch-all cluster.
func (e *Engine) phaseCluster(ctx context.Context, st *jobState, h *session.Handle) error {
	if err := e.store.MarkPhaseStarted(st.id, PhaseCluster); err != nil {
		return err
	}

	type embedded struct {
		fact   Fact
		vector []float32
	}

	var (
		vectors    []embedded
		unembedded []Fact
	)
	for _, fact := range st.facts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vec, err := e.router.RouteEmbedding(ctx, e.cfg.Models.Embedding, fact.Text)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			unembedded = append(unembedded, fact)
			continue
		}
		vectors = append(vectors, embedded{fact: fact, vector: vec})

		if err := e.store.UpsertVector(st.id, fact.ID, vec, map[string]string{"url": fact.URL}, fact.Text); err != nil {
			slog.Warn("Failed to persist fact vector", "job_id", st.id, "fact_id", fact.ID, "error", err)
		}
	}

	type group struct {
		cluster  Cluster
		centroid []float32
	}
	var groups []group

	for _, item := range vectors {
		best := -1
		bestScore := e.clusterSim
		for i := range groups {
			score := cosineSimilarity(groups[i].centroid, item.vector)
			if score >= bestScore {
				best = i
				bestScore = score
			}
		}
		if best >= 0 {
			g := &groups[best]
			g.cluster.Facts = append(g.cluster.Facts, item.fact)
			g.centroid = meanVector(g.centroid, item.vector, len(g.cluster.Facts))
		} else {
			groups = append(groups, group{
				cluster: Cluster{
					ID:    newBlockID(),
					Label: clusterLabel(item.fact.Text),
					Facts: []Fact{item.fact},
				},
				centroid: append([]float32(nil), item.vector...),
			})
		}
	}

	clusters := make([]Cluster, 0, len(groups)+1)
	for _, g := range groups {
		clusters = append(clusters, g.cluster)
	}
	if len(unembedded) > 0 {
		clusters = append(clusters, Cluster{
			ID:    newBlockID(),
			Label: "Additional findings",
			Facts: unembedded,
		})
	}
	st.clusters = clusters

	if len(clusters) > 0 {
		if _, err := e.store.WriteArtifact(st.id, artifact.KindClusters, "clusters", clusters); err != nil {
			return err
		}
		newly := len(clusters)
		if err := e.store.AddCounts(st.id, map[string]int{artifact.CountClusters: newly}); err != nil {
			return err
		}
	}
	if len(vectors) > 0 {
		ids := make(map[string]string, len(vectors))
		for _, item := range vectors {
			ids[item.fact.ID] = item.fact.URL
		}
		if _, err := e.store.WriteArtifact(st.id, artifact.KindEmbeddings, "embeddings", ids); err != nil {
			return err
		}
	}

	slog.Info("Clustering finished", "job_id", st.id,
		"facts", len(st.facts), "clusters", len(clusters), "unembedded", len(unembedded))
	return e.store.MarkPhaseCompleted(st.id, PhaseCluster)
}

// phaseSynthesize writes the draft answer from whatever evidence
// exists. A model failure here is fatal to the job.
func (e *Engine) phaseSynthesize(ctx context.Context, st *jobState, h *session.Handle) error {
	if err := e.store.MarkPhaseStarted(st.id, PhaseSynthesize); err != nil {
		return err
	}

	if !st.researchAnnounced {
		st.researchAnnounced = true
		h.Publish(session.ResearchCompleteEvent())
		if len(st.facts) > 0 {
			if err := e.store.AddCounts(st.id, map[string]int{artifact.CountEvidence: len(st.facts)}); err != nil {
				return err
			}
		}
	}

	var outline []string
	if st.plan != nil {
		outline = st.plan.Outline
	}
	clusters := e.rankClusters(ctx, st)
	draft, err := e.llmCall(ctx, st, PhaseSynthesize, synthesizeMessages(st.query, outline, clusters, st.captures))
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}
	st.draft = strings.TrimSpace(draft)

	if _, err := e.store.WriteArtifact(st.id, artifact.KindDraft, "draft", map[string]string{"content": st.draft}); err != nil {
		return err
	}

	if st.draftBlockID == "" {
		st.draftBlockID = newBlockID()
		h.Publish(session.BlockEvent(Block{ID: st.draftBlockID, Kind: "answer", Content: st.draft}))
	} else {
		h.Publish(session.UpdateBlockEvent(st.draftBlockID, BlockPatch{Content: st.draft}))
	}

	return e.store.MarkPhaseCompleted(st.id, PhaseSynthesize)
}

// rankClusters orders evidence clusters by how close their facts sit
// to the query in the session's vector store, so the strongest
// evidence leads the synthesis prompt. Any lookup failure keeps the
// clustering order.
func (e *Engine) rankClusters(ctx context.Context, st *jobState) []Cluster {
	if len(st.clusters) < 2 {
		return st.clusters
	}

	qvec, err := e.router.RouteEmbedding(ctx, e.cfg.Models.Embedding, st.query)
	if err != nil {
		slog.Debug("Query embedding failed, keeping cluster order", "job_id", st.id, "error", err)
		return st.clusters
	}
	hits, err := e.store.SearchVectors(st.id, qvec, len(st.facts))
	if err != nil || len(hits) == 0 {
		if err != nil {
			slog.Debug("Vector lookup failed, keeping cluster order", "job_id", st.id, "error", err)
		}
		return st.clusters
	}

	scores := make(map[string]float32, len(hits))
	for _, hit := range hits {
		scores[hit.ID] = hit.Score
	}
	best := func(c Cluster) float32 {
		var top float32
		for _, fact := range c.Facts {
			if s, ok := scores[fact.ID]; ok && s > top {
				top = s
			}
		}
		return top
	}

	ranked := append([]Cluster(nil), st.clusters...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return best(ranked[i]) > best(ranked[j])
	})
	return ranked
}

// phaseReview judges the draft. Like synthesis, a model failure is
// fatal.
func (e *Engine) phaseReview(ctx context.Context, st *jobState, h *session.Handle) (*ReviewResult, error) {
	if err := e.store.MarkPhaseStarted(st.id, PhaseReview); err != nil {
		return nil, err
	}

	raw, err := e.llmCall(ctx, st, PhaseReview, reviewMessages(st.query, st.draft))
	if err != nil {
		return nil, fmt.Errorf("review failed: %w", err)
	}
	result := parseReviewResponse(raw, st.draft)

	if err := e.store.MarkPhaseCompleted(st.id, PhaseReview); err != nil {
		return nil, err
	}
	return result, nil
}

func clusterLabel(text string) string {
	words := strings.Fields(text)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// meanVector updates a running centroid after the nth member joined.
func meanVector(centroid, added []float32, n int) []float32 {
	if len(centroid) != len(added) || n <= 1 {
		return centroid
	}
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = centroid[i] + (added[i]-centroid[i])/float32(n)
	}
	return out
}

// loadState reloads prior artifacts so a resumed job continues from
// the last durable phase instead of redoing work.
func (e *Engine) loadState(st *jobState, m *artifact.Manifest) error {
	if m.PhaseCompleted(PhasePlan) {
		names, err := e.store.ListArtifacts(st.id, artifact.KindPlan)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			var plan Plan
			if err := e.store.ReadArtifact(st.id, artifact.KindPlan, names[0], &plan); err != nil {
				return err
			}
			st.plan = &plan
		}
	}

	rawNames, err := e.store.ListArtifacts(st.id, artifact.KindRaw)
	if err != nil {
		return err
	}
	for _, name := range rawNames {
		var capture RawCapture
		if err := e.store.ReadArtifact(st.id, artifact.KindRaw, name, &capture); err != nil {
			slog.Warn("Skipping unreadable raw artifact", "job_id", st.id, "name", name, "error", err)
			continue
		}
		st.captures = append(st.captures, capture)
	}

	extractedNames, err := e.store.ListArtifacts(st.id, artifact.KindExtracted)
	if err != nil {
		return err
	}
	st.extracted = make(map[string]bool)
	for _, name := range extractedNames {
		var doc ExtractedDoc
		if err := e.store.ReadArtifact(st.id, artifact.KindExtracted, name, &doc); err != nil {
			slog.Warn("Skipping unreadable extracted artifact", "job_id", st.id, "name", name, "error", err)
			continue
		}
		st.extracted[doc.URL] = true
		st.facts = append(st.facts, doc.Facts...)
	}

	clusterNames, err := e.store.ListArtifacts(st.id, artifact.KindClusters)
	if err != nil {
		return err
	}
	if len(clusterNames) > 0 {
		var clusters []Cluster
		if err := e.store.ReadArtifact(st.id, artifact.KindClusters, clusterNames[0], &clusters); err == nil {
			st.clusters = clusters
		}
	}
	return nil
}
