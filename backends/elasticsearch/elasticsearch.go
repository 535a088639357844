// Package elasticsearch implements a persistent markov backend in an
// Elasticsearch index. Every snippet is one document; the backend clock and
// the bound look size live in a single document of kind "state" in the same
// index.
//
// Queries that can match more than one page of documents are paged with
// search_after, or with a composite aggregation for distinct contexts, so
// no result is cut at the index's max_result_window.
package elasticsearch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/logger"
)

const (
	// kindSnippet and kindState tell the two document types apart.
	kindSnippet = "snippet"
	kindState   = "state"

	// stateDocumentID is the ID of the clock document.
	stateDocumentID = "markov-state"

	// randomDraws is the number of random snippets Random checks before it
	// scans for live contexts.
	randomDraws = 8

	// indexMappingTemplate is the Elasticsearch index mapping for the chain.
	indexMappingTemplate = `{
		"settings": {
			"number_of_shards": %d,
			"number_of_replicas": %d
		},
		"mappings": {
			"properties": {
				"kind": {"type": "keyword"},
				"context": {"type": "keyword"},
				"next": {"type": "keyword"},
				"tail": {"type": "keyword"},
				"score": {"type": "long"},
				"seen_time": {"type": "long"},
				"seen_count": {"type": "long"},
				"created": {"type": "long"},
				"clock_time": {"type": "long"},
				"clock_count": {"type": "long"},
				"look_size": {"type": "long"}
			}
		}
	}`
)

// Backend implements chain.Cacheable using Elasticsearch.
// All methods are safe for concurrent use; writes from one process are
// serialised, writes from several processes are not coordinated.
type Backend struct {
	client        *elasticsearch.Client
	index         string
	refreshPolicy string
	pageSize      int
	clock         chain.Clock
	log           *log.Logger

	mu sync.Mutex
}

// document represents the structure stored in Elasticsearch.
type document struct {
	Kind       string `json:"kind"`
	Context    string `json:"context"`
	Next       string `json:"next"`
	Tail       string `json:"tail,omitempty"`
	Score      uint64 `json:"score"`
	SeenTime   int64  `json:"seen_time"`
	SeenCount  uint64 `json:"seen_count"`
	Created    uint64 `json:"created"`
	ClockTime  int64  `json:"clock_time"`
	ClockCount uint64 `json:"clock_count"`
	LookSize   int    `json:"look_size,omitempty"`
}

// searchHit represents a single search result from Elasticsearch.
type searchHit struct {
	ID     string        `json:"_id"`
	Source document      `json:"_source"`
	Sort   []interface{} `json:"sort"`
}

// searchResponse represents the Elasticsearch search response.
type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

// compositeResponse holds the composite aggregation used to list contexts.
type compositeResponse struct {
	Aggregations struct {
		Contexts struct {
			AfterKey map[string]interface{} `json:"after_key"`
			Buckets  []struct {
				Key struct {
					Context string `json:"context"`
				} `json:"key"`
			} `json:"buckets"`
		} `json:"contexts"`
	} `json:"aggregations"`
}

// getResponse represents the Elasticsearch get response.
type getResponse struct {
	Found  bool     `json:"found"`
	Source document `json:"_source"`
}

// bulkResponse represents the parts of a bulk response needed to find failures.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// New creates a new Elasticsearch backend with the given configuration.
// An unreachable cluster is reported as chain.ErrIO.
func New(config *Config) (*Backend, error) {
	config.setDefaults()

	// Build Elasticsearch configuration
	esConfig := elasticsearch.Config{
		Addresses: config.URLs,
		Username:  config.Username,
		Password:  config.Password,
		CloudID:   config.CloudID,
		APIKey:    config.APIKey,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w: %w", chain.ErrConfiguration, err)
	}

	// Test connection
	res, err := client.Info()
	if err != nil {
		return nil, chain.IOError("elasticsearch", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, chain.IOError("elasticsearch", errors.New(res.String()))
	}

	l := config.Logger
	if l == nil {
		l = logger.New("elasticsearch")
	}

	b := &Backend{
		client:        client,
		index:         config.Index,
		refreshPolicy: config.RefreshPolicy,
		pageSize:      config.PageSize,
		clock:         config.Clock,
		log:           l,
	}

	ctx := context.Background()
	if err := b.createIndexIfNotExists(ctx, config); err != nil {
		return nil, chain.StorageError("elasticsearch create index", err)
	}
	if err := b.initState(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// createIndexIfNotExists creates the index with appropriate mappings if it doesn't exist.
func (b *Backend) createIndexIfNotExists(ctx context.Context, config *Config) error {
	exists, err := b.indexExists(ctx)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	mapping := fmt.Sprintf(indexMappingTemplate, config.NumberOfShards, config.NumberOfReplicas)

	req := esapi.IndicesCreateRequest{
		Index: b.index,
		Body:  strings.NewReader(mapping),
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return errors.New(res.String())
	}

	return nil
}

// indexExists checks if the index exists.
func (b *Backend) indexExists(ctx context.Context) (bool, error) {
	req := esapi.IndicesExistsRequest{
		Index: []string{b.index},
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return false, err
	}
	defer func() { _ = res.Body.Close() }()

	return res.StatusCode == http.StatusOK, nil
}

// initState creates the clock document unless it exists.
func (b *Backend) initState(ctx context.Context) error {
	body, err := json.Marshal(document{Kind: kindState, ClockTime: b.clock().Unix()})
	if err != nil {
		return chain.StorageError("elasticsearch init state", err)
	}

	req := esapi.CreateRequest{
		Index:      b.index,
		DocumentID: stateDocumentID,
		Body:       bytes.NewReader(body),
		Refresh:    b.refreshPolicy,
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return chain.StorageError("elasticsearch init state", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != http.StatusConflict {
		return chain.StorageError("elasticsearch init state", errors.New(res.String()))
	}
	return nil
}

// Insert records key -> next and advances the clock with one bulk request.
func (b *Backend) Insert(ctx context.Context, scorer chain.Scorer, key chain.Key, next string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.State(ctx)
	if err != nil {
		return err
	}
	now := state.Tick(b.clock())

	encoded := key.Encode()
	var doc document
	found, err := b.get(ctx, snippetID(encoded, next), &doc)
	if err != nil {
		return chain.StorageError("elasticsearch insert", err)
	}

	var snippet chain.Snippet
	if found {
		snippet = fromDocument(key, doc)
		snippet.Observe(scorer, now)
	} else {
		snippet = chain.NewSnippet(key, next, now)
	}

	if err := b.bulk(ctx, []chain.Snippet{snippet}, nil, &now); err != nil {
		return chain.StorageError("elasticsearch insert", err)
	}
	return nil
}

// Lookup returns the live successors of key scored at the current time.
func (b *Backend) Lookup(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	state, err := b.State(ctx)
	if err != nil {
		return nil, err
	}
	snippets, err := b.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return chain.Candidates(snippets, scorer, state.At(b.clock())), nil
}

// Predecessors returns the first words of the contexts that lead into key.
func (b *Backend) Predecessors(ctx context.Context, scorer chain.Scorer, key chain.Key) ([]chain.Candidate, error) {
	if len(key) == 0 {
		return []chain.Candidate{}, nil
	}
	state, err := b.State(ctx)
	if err != nil {
		return nil, err
	}

	var snippets []chain.Snippet
	err = b.scan(ctx, snippetFilter(termField("tail", key.Encode())), func(hit searchHit) error {
		prev, err := chain.DecodeKey(hit.Source.Context)
		if err != nil {
			return err
		}
		snippets = append(snippets, fromDocument(prev, hit.Source))
		return nil
	})
	if err != nil {
		return nil, chain.StorageError("elasticsearch predecessors", err)
	}
	return chain.Predecessors(snippets, scorer, state.At(b.clock())), nil
}

// Random returns a context with a live successor, or nil when there is
// none. It checks the contexts of a few snippets picked by random_score and
// falls back to scanning every snippet when all of them have decayed.
func (b *Backend) Random(ctx context.Context, scorer chain.Scorer) (chain.Key, error) {
	state, err := b.State(ctx)
	if err != nil {
		return nil, err
	}
	now := state.At(b.clock())

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"function_score": map[string]interface{}{
				"query":        termKind(kindSnippet),
				"random_score": map[string]interface{}{},
			},
		},
	}
	hits, err := b.search(ctx, query, randomDraws)
	if err != nil {
		return nil, chain.StorageError("elasticsearch random", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	for _, hit := range hits {
		key, err := chain.DecodeKey(hit.Source.Context)
		if err != nil {
			return nil, chain.StorageError("elasticsearch random", err)
		}
		snippets, err := b.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if chain.Live(snippets, scorer, now) {
			return key, nil
		}
	}

	seen := make(map[string]struct{})
	var live []string
	err = b.scan(ctx, snippetFilter(), func(hit searchHit) error {
		encoded := hit.Source.Context
		if _, ok := seen[encoded]; ok {
			return nil
		}
		if snippet := fromDocument(nil, hit.Source); !snippet.Stale(scorer, now) {
			seen[encoded] = struct{}{}
			live = append(live, encoded)
		}
		return nil
	})
	if err != nil {
		return nil, chain.StorageError("elasticsearch random", err)
	}
	if len(live) == 0 {
		return nil, nil
	}
	key, err := chain.DecodeKey(live[rand.IntN(len(live))])
	if err != nil {
		return nil, chain.StorageError("elasticsearch random", err)
	}
	return key, nil
}

// Contexts returns stored contexts starting with prefix, sorted by their
// encoded form. Distinct contexts come from a composite aggregation paged
// by its after_key.
func (b *Backend) Contexts(ctx context.Context, prefix chain.Key, limit int) ([]chain.Key, error) {
	var filter []interface{}
	if len(prefix) > 0 {
		filter = append(filter, map[string]interface{}{
			"prefix": map[string]interface{}{"context": prefix.Encode()},
		})
	}

	keys := []chain.Key{}
	var after map[string]interface{}
	for {
		size := b.pageSize
		if limit > 0 && limit-len(keys) < size {
			size = limit - len(keys)
		}
		composite := map[string]interface{}{
			"size": size,
			"sources": []interface{}{
				map[string]interface{}{"context": map[string]interface{}{
					"terms": map[string]interface{}{"field": "context"},
				}},
			},
		}
		if after != nil {
			composite["after"] = after
		}
		query := map[string]interface{}{
			"query": snippetFilter(filter...),
			"aggs": map[string]interface{}{
				"contexts": map[string]interface{}{"composite": composite},
			},
		}

		var response compositeResponse
		if err := b.do(ctx, query, 0, &response); err != nil {
			return nil, chain.StorageError("elasticsearch contexts", err)
		}
		buckets := response.Aggregations.Contexts.Buckets
		for _, bucket := range buckets {
			key, err := chain.DecodeKey(bucket.Key.Context)
			if err != nil {
				return nil, chain.StorageError("elasticsearch contexts", err)
			}
			keys = append(keys, key)
		}
		if len(buckets) < size || (limit > 0 && len(keys) >= limit) {
			return keys, nil
		}
		after = response.Aggregations.Contexts.AfterKey
	}
}

// State returns the stored clock.
func (b *Backend) State(ctx context.Context) (chain.State, error) {
	var doc document
	found, err := b.get(ctx, stateDocumentID, &doc)
	if err != nil {
		return chain.State{}, chain.StorageError("elasticsearch read state", err)
	}
	if !found {
		return chain.State{}, nil
	}
	return chain.State{Time: doc.ClockTime, Count: doc.ClockCount}, nil
}

// Bind stores lookSize in the state document unless one is stored already,
// then checks it against the stored value.
func (b *Backend) Bind(ctx context.Context, lookSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var doc document
	if _, err := b.get(ctx, stateDocumentID, &doc); err != nil {
		return chain.StorageError("elasticsearch bind look size", err)
	}
	if doc.LookSize != 0 {
		return chain.CheckLookSize(doc.LookSize, lookSize)
	}

	body, err := json.Marshal(map[string]interface{}{
		"doc":           map[string]interface{}{"kind": kindState, "look_size": lookSize},
		"doc_as_upsert": true,
	})
	if err != nil {
		return chain.StorageError("elasticsearch bind look size", err)
	}
	req := esapi.UpdateRequest{
		Index:      b.index,
		DocumentID: stateDocumentID,
		Body:       bytes.NewReader(body),
		Refresh:    b.refreshPolicy,
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return chain.StorageError("elasticsearch bind look size", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return chain.StorageError("elasticsearch bind look size", errors.New(res.String()))
	}
	return nil
}

// Prune pages through every snippet with search_after and bulk-deletes the
// stale ones.
func (b *Backend) Prune(ctx context.Context, scorer chain.Scorer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.State(ctx)
	if err != nil {
		return err
	}
	now := state.At(b.clock())

	var stale []string
	err = b.scan(ctx, snippetFilter(), func(hit searchHit) error {
		snippet := fromDocument(nil, hit.Source)
		if snippet.Stale(scorer, now) {
			stale = append(stale, hit.ID)
		}
		return nil
	})
	if err != nil {
		return chain.StorageError("elasticsearch prune", err)
	}

	if len(stale) == 0 {
		return nil
	}
	if err := b.bulk(ctx, nil, stale, nil); err != nil {
		return chain.StorageError("elasticsearch prune", err)
	}
	b.log.Debug("pruned snippets", "count", len(stale))
	return nil
}

// Load returns the raw snippets of key in creation order.
func (b *Backend) Load(ctx context.Context, key chain.Key) ([]chain.Snippet, error) {
	snippets := []chain.Snippet{}
	err := b.scan(ctx, snippetFilter(termField("context", key.Encode())), func(hit searchHit) error {
		snippets = append(snippets, fromDocument(key, hit.Source))
		return nil
	})
	if err != nil {
		return nil, chain.StorageError("elasticsearch load", err)
	}
	return snippets, nil
}

// Store indexes snippets and the clock with one bulk request.
func (b *Backend) Store(ctx context.Context, snippets []chain.Snippet, state chain.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bulk(ctx, snippets, nil, &state); err != nil {
		return chain.StorageError("elasticsearch store", err)
	}
	return nil
}

// DeleteAll removes every document of the index and resets the clock.
// This operation is irreversible.
func (b *Backend) DeleteAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{"query": termKind(kindSnippet)}); err != nil {
		return chain.StorageError("elasticsearch delete all", err)
	}

	refresh := b.refreshPolicy == "true"
	req := esapi.DeleteByQueryRequest{
		Index:   []string{b.index},
		Body:    &buf,
		Refresh: &refresh,
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return chain.StorageError("elasticsearch delete all", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return chain.StorageError("elasticsearch delete all", errors.New(res.String()))
	}

	body, err := json.Marshal(document{Kind: kindState, ClockTime: b.clock().Unix()})
	if err != nil {
		return chain.StorageError("elasticsearch delete all", err)
	}
	reset := esapi.IndexRequest{
		Index:      b.index,
		DocumentID: stateDocumentID,
		Body:       bytes.NewReader(body),
		Refresh:    b.refreshPolicy,
	}
	resetRes, err := reset.Do(ctx, b.client)
	if err != nil {
		return chain.StorageError("elasticsearch delete all", err)
	}
	defer func() { _ = resetRes.Body.Close() }()

	if resetRes.IsError() {
		return chain.StorageError("elasticsearch delete all", errors.New(resetRes.String()))
	}
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	// The Elasticsearch Go client doesn't have a Close method
	// as it uses standard HTTP connections that are managed by Go's http package
	return nil
}

// get fetches a document by ID into doc. A missing document is not an error.
func (b *Backend) get(ctx context.Context, id string, doc *document) (bool, error) {
	req := esapi.GetRequest{
		Index:      b.index,
		DocumentID: id,
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return false, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, errors.New(res.String())
	}

	var response getResponse
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	*doc = response.Source
	return response.Found, nil
}

// search runs query and returns up to size hits.
func (b *Backend) search(ctx context.Context, query map[string]interface{}, size int) ([]searchHit, error) {
	var response searchResponse
	if err := b.do(ctx, query, size, &response); err != nil {
		return nil, err
	}
	return response.Hits.Hits, nil
}

// scan pages through every snippet matching query in creation order with
// search_after and calls fn for each hit.
func (b *Backend) scan(ctx context.Context, query map[string]interface{}, fn func(searchHit) error) error {
	var after []interface{}
	for {
		body := map[string]interface{}{
			"query": query,
			"sort": []interface{}{
				map[string]interface{}{"created": "asc"},
				map[string]interface{}{"context": "asc"},
				map[string]interface{}{"next": "asc"},
			},
		}
		if after != nil {
			body["search_after"] = after
		}

		hits, err := b.search(ctx, body, b.pageSize)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			if err := fn(hit); err != nil {
				return err
			}
		}
		if len(hits) < b.pageSize {
			return nil
		}
		after = hits[len(hits)-1].Sort
	}
}

// do runs query with the given hit size and decodes the response into out.
func (b *Backend) do(ctx context.Context, query map[string]interface{}, size int, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{b.index},
		Body:  &buf,
		Size:  &size,
	}

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return fmt.Errorf("failed to execute search: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("search failed: %s", res.String())
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// bulk indexes snippets, deletes the documents in remove and, when state
// is set, writes the clock, all in one request.
func (b *Backend) bulk(ctx context.Context, snippets []chain.Snippet, remove []string, state *chain.State) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for i := range snippets {
		encoded := snippets[i].Key.Encode()
		if err := enc.Encode(action("index", b.index, snippetID(encoded, snippets[i].Next))); err != nil {
			return err
		}
		if err := enc.Encode(toDocument(encoded, snippets[i])); err != nil {
			return err
		}
	}
	for _, id := range remove {
		if err := enc.Encode(action("delete", b.index, id)); err != nil {
			return err
		}
	}
	if state != nil {
		// a partial update keeps the bound look size
		if err := enc.Encode(action("update", b.index, stateDocumentID)); err != nil {
			return err
		}
		update := map[string]interface{}{
			"doc": map[string]interface{}{
				"kind":        kindState,
				"clock_time":  state.Time,
				"clock_count": state.Count,
			},
			"doc_as_upsert": true,
		}
		if err := enc.Encode(update); err != nil {
			return err
		}
	}
	if buf.Len() == 0 {
		return nil
	}

	req := esapi.BulkRequest{
		Body:    &buf,
		Refresh: b.refreshPolicy,
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return fmt.Errorf("failed to execute bulk: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("bulk failed: %s", res.String())
	}
	return checkBulkResponse(res.Body)
}

// checkBulkResponse returns the first item failure of a bulk response.
// Deleting a document that is already gone is not a failure.
func checkBulkResponse(body io.Reader) error {
	var response bulkResponse
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !response.Errors {
		return nil
	}
	for _, item := range response.Items {
		for op, result := range item {
			if result.Status == http.StatusNotFound && op == "delete" {
				continue
			}
			if result.Status >= http.StatusBadRequest {
				return fmt.Errorf("bulk %s failed with status %d: %s", op, result.Status, result.Error)
			}
		}
	}
	return nil
}

func action(op, index, id string) map[string]interface{} {
	return map[string]interface{}{
		op: map[string]interface{}{"_index": index, "_id": id},
	}
}

func termKind(kind string) map[string]interface{} {
	return termField("kind", kind)
}

func termField(field, value string) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}

// snippetFilter matches snippet documents that pass every extra filter.
func snippetFilter(extra ...interface{}) map[string]interface{} {
	filter := append([]interface{}{termKind(kindSnippet)}, extra...)
	return map[string]interface{}{
		"bool": map[string]interface{}{"filter": filter},
	}
}

func toDocument(encoded string, s chain.Snippet) document {
	return document{
		Kind:      kindSnippet,
		Context:   encoded,
		Next:      s.Next,
		Tail:      chain.Tail(s.Key, s.Next).Encode(),
		Score:     s.Score,
		SeenTime:  s.Seen.Time,
		SeenCount: s.Seen.Count,
		Created:   s.Created,
	}
}

func fromDocument(key chain.Key, doc document) chain.Snippet {
	return chain.Snippet{
		Key:     key.Clone(),
		Next:    doc.Next,
		Score:   doc.Score,
		Seen:    chain.State{Time: doc.SeenTime, Count: doc.SeenCount},
		Created: doc.Created,
	}
}

// snippetID derives a document ID from the encoded context and next word.
// Hashing keeps IDs under the 512 byte limit for long contexts.
func snippetID(encoded, next string) string {
	sum := sha256.Sum256([]byte(encoded + chain.Key{next}.Encode()))
	return hex.EncodeToString(sum[:])
}
