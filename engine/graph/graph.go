// Package graph runs the similarity search over the document vector index in
// Neo4j and enriches each hit with its owning company and asset manager.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// DefaultIndex is the vector index holding document embeddings.
const DefaultIndex = "document-embeddings"

const searchCypher = `CALL db.index.vector.queryNodes('%s', %d, $queryVector)
YIELD node AS doc, score
OPTIONAL MATCH (doc)<-[:HAS]-(company:Company), (company)<-[:OWNS]-(manager:Manager)
RETURN company.companyName AS company,
       manager.managerName AS asset_manager,
       doc.text AS quote, avg(score) AS score
ORDER BY score DESC LIMIT %d`

var errNoDriver = errors.New("graph: no driver configured")

// Store is the Neo4j-backed searcher.
type Store struct {
	driver neo4j.DriverWithContext
	opener SessionOpener
	index  string
}

// Option configures a Store.
type Option func(*Store)

// WithIndex overrides the vector index name.
func WithIndex(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.index = name
		}
	}
}

// New creates a Store reading from the given database ("" selects the
// server default).
func New(driver neo4j.DriverWithContext, database string, opts ...Option) *Store {
	s := &Store{
		driver: driver,
		opener: &driverOpener{driver: driver, database: database},
		index:  DefaultIndex,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewWithOpener creates a Store over an arbitrary session source.
func NewWithOpener(opener SessionOpener, opts ...Option) *Store {
	s := &Store{opener: opener, index: DefaultIndex}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Query returns the Cypher statement issued for a top-k search.
func (s *Store) Query(topK int) string {
	k := clampTopK(topK)
	return fmt.Sprintf(searchCypher, escapeIndex(s.index), k, k)
}

// VectorSearch returns at most topK (capped at domain.MaxRecords) records
// ordered by descending score.
func (s *Store) VectorSearch(ctx context.Context, vector []float32, topK int) ([]domain.MatchRecord, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, s.Query(topK), map[string]any{"queryVector": toFloat64s(vector)})
	if err != nil {
		return nil, fmt.Errorf("graph: vector search: %w", err)
	}

	records := make([]domain.MatchRecord, 0, clampTopK(topK))
	for result.Next(ctx) {
		rec, err := recordFromRow(result.Record())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: vector search: %w", err)
	}

	// Ordering and the cap hold even if the server ignored them.
	slices.SortStableFunc(records, domain.ByScoreDesc)
	if k := clampTopK(topK); len(records) > k {
		records = records[:k]
	}
	return records, nil
}

// Ping verifies the driver can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if s.driver == nil {
		return errNoDriver
	}
	return s.driver.VerifyConnectivity(ctx)
}

func recordFromRow(row *neo4j.Record) (domain.MatchRecord, error) {
	var rec domain.MatchRecord
	var err error
	if rec.Company, err = nullableString(row, "company"); err != nil {
		return rec, err
	}
	if rec.AssetManager, err = nullableString(row, "asset_manager"); err != nil {
		return rec, err
	}
	if rec.Quote, err = nullableString(row, "quote"); err != nil {
		return rec, err
	}

	raw, ok := row.Get("score")
	if !ok {
		return rec, fmt.Errorf("graph: row has no score column")
	}
	switch v := raw.(type) {
	case float64:
		rec.Score = v
	case int64:
		rec.Score = float64(v)
	case nil:
		rec.Score = 0
	default:
		return rec, fmt.Errorf("graph: score has unexpected type %T", raw)
	}
	return rec, nil
}

func nullableString(row *neo4j.Record, key string) (*string, error) {
	raw, ok := row.Get(key)
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("graph: %s has unexpected type %T", key, raw)
	}
	return &s, nil
}

func clampTopK(k int) int {
	if k <= 0 || k > domain.MaxRecords {
		return domain.MaxRecords
	}
	return k
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// escapeIndex keeps the index name safe inside a single-quoted Cypher literal.
func escapeIndex(name string) string {
	safe := make([]byte, 0, len(name))
	for i := range len(name) {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return DefaultIndex
	}
	return string(safe)
}
