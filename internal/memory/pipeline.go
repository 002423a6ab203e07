package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aico-project/aico/internal/kvstore"
	"github.com/aico-project/aico/internal/metrics"
	"github.com/aico-project/aico/internal/ner"
	"github.com/aico-project/aico/internal/vectorstore"
)

// EmbedFunc produces an embedding for one text. The bool reports a
// degraded (fallback) vector. Implementations route through the
// protected queue; the pipeline never calls the model runtime itself.
type EmbedFunc func(ctx context.Context, text string) ([]float32, bool, error)

// EntitiesFunc extracts typed entities from text, also routed through
// the protected queue.
type EntitiesFunc func(ctx context.Context, text string) ([]ner.Entity, error)

// Config tunes the pipeline. Zero values take the noted defaults.
type Config struct {
	FactsCollection    string        // default "user_facts"
	SegmentsCollection string        // default "conversation_segments"
	ConfidenceFloor    float64       // default 0.4
	EntityBoost        float64       // default 2.5
	RetentionDays      int           // default 90
	QueryCacheSize     int           // default 32
	WorkingTTL         time.Duration // default 24h
	Debug              bool
}

func (c *Config) applyDefaults() {
	if c.FactsCollection == "" {
		c.FactsCollection = "user_facts"
	}
	if c.SegmentsCollection == "" {
		c.SegmentsCollection = "conversation_segments"
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.4
	}
	if c.EntityBoost <= 0 {
		c.EntityBoost = 2.5
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.QueryCacheSize <= 0 {
		c.QueryCacheSize = 32
	}
	if c.WorkingTTL <= 0 {
		c.WorkingTTL = 24 * time.Hour
	}
}

// Pipeline orchestrates ingest, recall, curation, erasure, and
// retention over the two memory tiers.
type Pipeline struct {
	cfg      Config
	vectors  *vectorstore.Store
	kv       *kvstore.Store
	embed    EmbedFunc
	entities EntitiesFunc
	cache    *queryCache

	convMux   sync.Mutex
	convLocks map[string]*sync.Mutex
}

// NewPipeline wires the pipeline to its stores and queue-backed
// capabilities.
func NewPipeline(cfg Config, vectors *vectorstore.Store, kv *kvstore.Store, embed EmbedFunc, entities EntitiesFunc) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:       cfg,
		vectors:   vectors,
		kv:        kv,
		embed:     embed,
		entities:  entities,
		cache:     newQueryCache(cfg.QueryCacheSize),
		convLocks: make(map[string]*sync.Mutex),
	}
}

// Ingest segments the turns, extracts entities and facts, embeds, and
// stores. Idempotent per (conversation_id, turn range): the second
// identical call is a no-op. Returns segments and facts stored.
func (p *Pipeline) Ingest(ctx context.Context, turns []Turn, conversationID, userID string) (int, int, error) {
	if len(turns) == 0 {
		return 0, 0, nil
	}

	unlock := p.lockConversation(conversationID)
	defer unlock()

	rangeID := turnRangeID(turns)
	marker := fmt.Sprintf("ingest/%s/%s", conversationID, rangeID)
	if done, err := p.kv.Has(marker); err != nil {
		return 0, 0, err
	} else if done {
		if p.cfg.Debug {
			log.Printf("memory: ingest %s/%s already done", conversationID, rangeID)
		}
		return 0, 0, nil
	}

	// The raw turns land in the source store first: whatever happens
	// downstream, the conversation itself is never lost.
	if err := p.kv.SetJSON(fmt.Sprintf("turns/%s/%s", conversationID, rangeID), turns, 0); err != nil {
		return 0, 0, fmt.Errorf("memory: store turns: %w", err)
	}

	var segmentsStored, factsStored int
	for _, span := range segmentTurns(turns) {
		s, f := p.processSegment(ctx, span, conversationID, userID)
		segmentsStored += s
		factsStored += f
	}

	if err := p.kv.SetJSON(marker, time.Now().UTC(), 0); err != nil {
		return segmentsStored, factsStored, fmt.Errorf("memory: mark ingest: %w", err)
	}
	return segmentsStored, factsStored, nil
}

func (p *Pipeline) processSegment(ctx context.Context, span turnSpan, conversationID, userID string) (segmentsStored, factsStored int) {
	text := span.text()
	ts := span.timestamp()
	segmentID := fmt.Sprintf("%s-%d-%d-%d", conversationID, span.start, span.end, ts.UnixMilli())

	entityNames := p.extractEntityNames(ctx, text)

	var candidates []factCandidate
	for _, fc := range extractFacts(text) {
		if fc.Confidence >= p.cfg.ConfidenceFloor {
			candidates = append(candidates, fc)
		}
	}

	// Embed the segment and every fact concurrently; the protected
	// queue batches the burst into few downstream calls.
	type embedded struct {
		vec      []float32
		degraded bool
		err      error
	}
	results := make([]embedded, 1+len(candidates))
	var wg sync.WaitGroup
	embedInto := func(i int, text string) {
		defer wg.Done()
		vec, degraded, err := p.embed(ctx, text)
		results[i] = embedded{vec: vec, degraded: degraded, err: err}
	}
	wg.Add(1 + len(candidates))
	go embedInto(0, text)
	for i, fc := range candidates {
		go embedInto(1+i, fc.Content)
	}
	wg.Wait()

	if results[0].err != nil {
		// The segment is skipped, not the conversation: the turns are
		// already in the source store.
		log.Printf("memory: embedding failed for segment %s, skipping: %v", segmentID, results[0].err)
	} else {
		meta := map[string]interface{}{
			"user_id":         userID,
			"conversation_id": conversationID,
			"content":         text,
			"turn_start":      span.start,
			"turn_end":        span.end,
			"timestamp_ms":    ts.UnixMilli(),
			"sentiment":       sentimentScore(text),
			"degraded":        results[0].degraded,
		}
		if err := vectorstore.EncodeListField(meta, "entities", entityNames); err == nil {
			if err := insertWithRetry(p.vectors.Collection(p.cfg.SegmentsCollection), segmentID, results[0].vec, meta); err != nil {
				log.Printf("memory: store segment %s: %v", segmentID, err)
			} else {
				segmentsStored++
				metrics.SegmentsStored.Inc()
			}
		}
	}

	for i, fc := range candidates {
		res := results[1+i]
		if res.err != nil {
			log.Printf("memory: embedding failed for fact %q, dropped: %v", fc.Content, res.err)
			continue
		}
		if p.storeFact(fc, res.vec, res.degraded, segmentID, conversationID, userID, entityNames, ts) {
			factsStored++
		}
	}
	return segmentsStored, factsStored
}

// storeFact inserts a new fact, or raises the confidence of an
// existing identical one (same user, content, and type) instead of
// duplicating it. Returns true only for a fresh insert.
func (p *Pipeline) storeFact(fc factCandidate, vec []float32, degraded bool, segmentID, conversationID, userID string, entityNames []string, ts time.Time) bool {
	facts := p.vectors.Collection(p.cfg.FactsCollection)

	existing := facts.List(map[string]interface{}{
		"user_id":   userID,
		"content":   fc.Content,
		"fact_type": fc.FactType,
	})
	if len(existing) > 0 {
		rec := existing[0]
		conf, _ := metaFloat(rec.Metadata, "confidence")
		if fc.Confidence > conf {
			conf = fc.Confidence
		}
		conf += 0.1
		if conf > 1.0 {
			conf = 1.0
		}
		rec.Metadata["confidence"] = conf
		if err := facts.UpdateMetadata(rec.ID, rec.Metadata); err != nil {
			log.Printf("memory: raise confidence for %s: %v", rec.ID, err)
		}
		return false
	}

	meta := map[string]interface{}{
		"user_id":           userID,
		"content":           fc.Content,
		"fact_type":         fc.FactType,
		"category":          "",
		"confidence":        fc.Confidence,
		"source_segment_id": segmentID,
		"conversation_id":   conversationID,
		"created_at_ms":     ts.UnixMilli(),
		"immutable":         false,
		"degraded":          degraded,
	}
	if err := vectorstore.EncodeListField(meta, "entities", entityNames); err != nil {
		return false
	}
	if err := insertWithRetry(facts, uuid.NewString(), vec, meta); err != nil {
		log.Printf("memory: store fact %q: %v", fc.Content, err)
		return false
	}
	metrics.FactsStored.Inc()
	return true
}

// Recall embeds the query (with a small LRU over recent queries),
// searches the user's facts, applies the entity-match boost, and
// returns the top maxResults records ranked by boosted similarity.
func (p *Pipeline) Recall(ctx context.Context, query, userID string, filters map[string]interface{}, maxResults int) ([]RecalledRecord, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	metrics.RecallQueries.Inc()

	vec, cached := p.cache.get(query)
	if !cached {
		var err error
		vec, _, err = p.embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query: %w", err)
		}
		p.cache.put(query, vec)
	}

	filter := map[string]interface{}{"user_id": userID}
	for k, v := range filters {
		filter[k] = v
	}

	hits, err := p.vectors.Collection(p.cfg.FactsCollection).Search(vec, maxResults*4, filter)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	lowerQuery := strings.ToLower(query)
	records := make([]RecalledRecord, 0, len(hits))
	for _, hit := range hits {
		similarity := (1 + float64(hit.Score)) / 2
		if p.entityInQuery(hit.Metadata, lowerQuery) {
			similarity *= p.cfg.EntityBoost
			if similarity > 1.0 {
				similarity = 1.0
			}
		}
		content, _ := hit.Metadata["content"].(string)
		records = append(records, RecalledRecord{
			ID:         hit.ID,
			Content:    content,
			Similarity: similarity,
			Metadata:   hit.Metadata,
		})
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Similarity > records[j].Similarity })
	if len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

func (p *Pipeline) entityInQuery(meta map[string]interface{}, lowerQuery string) bool {
	entities, err := vectorstore.DecodeListField(meta, "entities")
	if err != nil {
		return false
	}
	for _, entity := range entities {
		if entity != "" && strings.Contains(lowerQuery, strings.ToLower(entity)) {
			return true
		}
	}
	return false
}

// CurateFact stores a user-authored fact with elevated confidence.
// Curated facts are immutable: retention never touches them.
func (p *Pipeline) CurateFact(ctx context.Context, userID, sourceMessage, category, content, note string, tags []string) (string, error) {
	vec, degraded, err := p.embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("memory: embed curated fact: %w", err)
	}

	factID := uuid.NewString()
	meta := map[string]interface{}{
		"user_id":        userID,
		"content":        content,
		"fact_type":      FactContext,
		"category":       category,
		"confidence":     0.95,
		"source_message": sourceMessage,
		"note":           note,
		"created_at_ms":  time.Now().UTC().UnixMilli(),
		"immutable":      true,
		"curated":        true,
		"degraded":       degraded,
	}
	if err := vectorstore.EncodeListField(meta, "tags", tags); err != nil {
		return "", err
	}
	if err := insertWithRetry(p.vectors.Collection(p.cfg.FactsCollection), factID, vec, meta); err != nil {
		return "", fmt.Errorf("memory: store curated fact: %w", err)
	}
	metrics.FactsStored.Inc()
	return factID, nil
}

// DeleteUserData erases every record tagged with userID from both
// collections and the working tier. Returns the number of records
// removed.
func (p *Pipeline) DeleteUserData(userID string) (int, error) {
	filter := map[string]interface{}{"user_id": userID}

	facts, err := p.vectors.Collection(p.cfg.FactsCollection).DeleteWhere(filter)
	if err != nil {
		return 0, fmt.Errorf("memory: delete facts: %w", err)
	}
	segments, err := p.vectors.Collection(p.cfg.SegmentsCollection).DeleteWhere(filter)
	if err != nil {
		return facts, fmt.Errorf("memory: delete segments: %w", err)
	}
	working, err := p.kv.DeletePrefix("wm/" + userID + "/")
	if err != nil {
		return facts + segments, fmt.Errorf("memory: delete working tier: %w", err)
	}
	if p.cfg.Debug {
		log.Printf("memory: erased user %s (%d facts, %d segments, %d working keys)", userID, facts, segments, working)
	}
	return facts + segments + working, nil
}

// CleanupExpiredFacts removes non-immutable facts older than the
// retention horizon. Immutable (curated) facts are exempt. Returns the
// number removed.
func (p *Pipeline) CleanupExpiredFacts(now time.Time) (int, error) {
	horizon := now.AddDate(0, 0, -p.cfg.RetentionDays).UnixMilli()
	facts := p.vectors.Collection(p.cfg.FactsCollection)

	removed := 0
	for _, rec := range facts.List(nil) {
		if immutable, _ := rec.Metadata["immutable"].(bool); immutable {
			continue
		}
		created, ok := metaFloat(rec.Metadata, "created_at_ms")
		if !ok || int64(created) >= horizon {
			continue
		}
		if err := facts.Delete(rec.ID); err != nil {
			return removed, fmt.Errorf("memory: cleanup %s: %w", rec.ID, err)
		}
		removed++
	}
	return removed, nil
}

// StashContext stores a short-lived working-memory value for a user.
func (p *Pipeline) StashContext(userID, key string, value interface{}) error {
	return p.kv.SetJSON("wm/"+userID+"/"+key, value, p.cfg.WorkingTTL)
}

// FetchContext reads a working-memory value stored by StashContext.
func (p *Pipeline) FetchContext(userID, key string, out interface{}) error {
	return p.kv.GetJSON("wm/"+userID+"/"+key, out)
}

func (p *Pipeline) extractEntityNames(ctx context.Context, text string) []string {
	if p.entities == nil {
		return nil
	}
	found, err := p.entities(ctx, text)
	if err != nil {
		log.Printf("memory: entity extraction failed: %v", err)
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range found {
		if !seen[e.Text] {
			seen[e.Text] = true
			names = append(names, e.Text)
		}
	}
	return names
}

func (p *Pipeline) lockConversation(conversationID string) func() {
	p.convMux.Lock()
	mu, ok := p.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		p.convLocks[conversationID] = mu
	}
	p.convMux.Unlock()

	mu.Lock()
	return mu.Unlock
}

// turnRangeID identifies a turn range deterministically by its length
// and content hash.
func turnRangeID(turns []Turn) string {
	h := sha256.New()
	for _, t := range turns {
		h.Write([]byte(t.Role))
		h.Write([]byte{0})
		h.Write([]byte(t.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%d-%s", len(turns), hex.EncodeToString(h.Sum(nil))[:12])
}

// insertWithRetry retries one storage failure inline before surfacing.
func insertWithRetry(c *vectorstore.Collection, id string, vec []float32, meta map[string]interface{}) error {
	if err := c.Insert(id, vec, meta); err != nil {
		return c.Insert(id, vec, meta)
	}
	return nil
}

func metaFloat(meta map[string]interface{}, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
