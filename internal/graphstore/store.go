// Package graphstore implements the labelled-property-graph port over Neo4j:
// batched atomic writes, full-text/vector/temporal search, activation
// updates, and the forgetting merge, all through parameterised Cypher.
package graphstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"engram-memory/internal/config"
	"engram-memory/internal/logging"
	"engram-memory/pkg/types"
)

// Index names created by Initialize.
const (
	idConstraintPrefix = "engram_id_unique_"

	fulltextChunk     = "chunk_fulltext"
	fulltextStatement = "statement_fulltext"
	fulltextEntity    = "entity_fulltext"
	fulltextSummary   = "summary_fulltext"

	vectorChunk     = "chunk_embedding_index"
	vectorStatement = "statement_embedding_index"
	vectorEntity    = "entity_name_embedding_index"
	vectorSummary   = "summary_embedding_index"
	vectorDialogue  = "dialogue_embedding_index"
)

// defaultForgettableThreshold bounds the mean pair activation below which a
// Statement+Entity pair is a forgetting candidate.
const defaultForgettableThreshold = 0.3

// Metrics tracks per-operation counts and latencies.
type Metrics struct {
	mu               sync.Mutex
	OperationCounts  map[string]int64
	AverageLatencyMS map[string]float64
	ErrorCounts      map[string]int64
	ConnectionStatus string
}

func newMetrics() *Metrics {
	return &Metrics{
		OperationCounts:  make(map[string]int64),
		AverageLatencyMS: make(map[string]float64),
		ErrorCounts:      make(map[string]int64),
		ConnectionStatus: "unknown",
	}
}

func (m *Metrics) record(op string, start time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := float64(time.Since(start).Milliseconds())
	count := m.OperationCounts[op]
	m.AverageLatencyMS[op] = (m.AverageLatencyMS[op]*float64(count) + elapsed) / float64(count+1)
	m.OperationCounts[op] = count + 1
	if err != nil {
		m.ErrorCounts[op]++
	}
}

// Store implements the GraphStore port over a Neo4j database.
type Store struct {
	driver               neo4j.DriverWithContext
	cfg                  *config.GraphConfig
	metrics              *Metrics
	logger               logging.Logger
	forgettableThreshold float64
}

// NewStore creates a store; Initialize must be called before use.
func NewStore(cfg *config.GraphConfig) *Store {
	return &Store{
		cfg:                  cfg,
		metrics:              newMetrics(),
		logger:               logging.WithComponent("graphstore"),
		forgettableThreshold: defaultForgettableThreshold,
	}
}

// Initialize connects the driver and creates constraints and indexes.
func (s *Store) Initialize(ctx context.Context) error {
	driver, err := neo4j.NewDriverWithContext(
		s.cfg.URI,
		neo4j.BasicAuth(s.cfg.Username, s.cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = s.cfg.MaxPoolSize
			c.SocketConnectTimeout = time.Duration(s.cfg.TimeoutSeconds) * time.Second
		},
	)
	if err != nil {
		s.metrics.ConnectionStatus = "error"
		return fmt.Errorf("create neo4j driver: %w", err)
	}
	s.driver = driver

	if err := s.createSchema(ctx); err != nil {
		s.metrics.ConnectionStatus = "error"
		return err
	}

	s.metrics.ConnectionStatus = "connected"
	s.logger.Info("graph store initialized", "uri", s.cfg.URI, "database", s.cfg.Database)
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	labels := []types.NodeLabel{
		types.LabelDialogue, types.LabelChunk, types.LabelStatement,
		types.LabelEntity, types.LabelMemorySummary,
	}

	statements := make([]string, 0, 16)
	for _, label := range labels {
		statements = append(statements, fmt.Sprintf(
			"CREATE CONSTRAINT %s%s IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			idConstraintPrefix, label, label))
	}

	statements = append(statements,
		fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [n.content]",
			fulltextChunk, types.LabelChunk),
		fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [n.statement]",
			fulltextStatement, types.LabelStatement),
		fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [n.name, n.description, n.fact_summary]",
			fulltextEntity, types.LabelEntity),
		fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [n.name, n.content]",
			fulltextSummary, types.LabelMemorySummary),
	)

	vectorIndexes := map[string]struct {
		label    types.NodeLabel
		property string
	}{
		vectorDialogue:  {types.LabelDialogue, "dialog_embedding"},
		vectorChunk:     {types.LabelChunk, "chunk_embedding"},
		vectorStatement: {types.LabelStatement, "statement_embedding"},
		vectorEntity:    {types.LabelEntity, "name_embedding"},
		vectorSummary:   {types.LabelMemorySummary, "summary_embedding"},
	}
	for name, v := range vectorIndexes {
		statements = append(statements, fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			name, v.label, v.property, s.cfg.VectorSize))
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("create schema element: %w", err)
		}
	}
	return nil
}

func (s *Store) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.cfg.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
}

func (s *Store) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.cfg.Database,
		AccessMode:   neo4j.AccessModeRead,
	})
}

// HealthCheck verifies driver connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.driver == nil {
		return fmt.Errorf("graph store not initialized")
	}
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j connectivity: %w", err)
	}
	return nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// GetMetrics returns a snapshot of operation metrics.
func (s *Store) GetMetrics() map[string]interface{} {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	counts := make(map[string]int64, len(s.metrics.OperationCounts))
	for k, v := range s.metrics.OperationCounts {
		counts[k] = v
	}
	return map[string]interface{}{
		"operation_counts":  counts,
		"connection_status": s.metrics.ConnectionStatus,
	}
}

// vectorParam converts an embedding to the float64 slice the driver expects.
func vectorParam(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// timesParam converts an access history to a homogeneous datetime array.
func timesParam(ts []time.Time) []interface{} {
	out := make([]interface{}, len(ts))
	for i, t := range ts {
		out[i] = t.UTC()
	}
	return out
}

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
