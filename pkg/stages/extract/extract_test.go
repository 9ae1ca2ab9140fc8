package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/diagforge/refinery/pkg/database"
	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func newTestDB(t *testing.T) *database.Client {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := database.NewClient(database.Config{
		DSN:             connStr,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newTestQueue(t *testing.T) *queuestore.Store {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queuestore.NewFromClient(client)
}

func fakeExtractionServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Content string `json:"content"`
		}{Content: body}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func seedEvaluatedDocument(t *testing.T, db *database.Client, relevance float64) (docID, chunkID string) {
	ctx := context.Background()
	docID = uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO research.documents (id, title, source_url, mime_type, content_hash, object_key, processing_stage)
		VALUES ($1, 'title', 'https://example.com/doc', 'text/html', $2, $3, $4)`,
		docID, uuid.NewString(), "raw/"+docID, models.StageEvaluating)
	require.NoError(t, err)

	chunkID = uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO research.chunks (id, document_id, chunk_index, text, char_start, char_end)
		VALUES ($1, $2, 0, $3, 0, 50)`,
		chunkID, docID, "P0171 is triggered by a vacuum leak on bank 1.")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO research.chunk_evaluations (chunk_id, trust_score, relevance_score, domain, reasoning, model_id)
		VALUES ($1, 0.8, $2, 'emissions', 'n/a', 'test-model')`,
		chunkID, relevance)
	require.NoError(t, err)
	return docID, chunkID
}

const fakeExtractionJSON = `{
  "dtc_codes": [{"code": " p0171 ", "description": "System too lean bank 1", "category": "fuel", "severity": "medium"}],
  "causes": [{"dtc_code": "p0171", "text": "vacuum leak", "likelihood": 0.9}],
  "diagnostic_steps": [{"dtc_code": "p0171", "step_order": 1, "text": "inspect vacuum lines", "tools": ["smoke machine"], "expected_values": "no smoke escaping"}],
  "sensors": [{"name": "MAF", "sensor_type": "airflow", "dtc_codes": ["p0171"]}],
  "tsb_references": [{"tsb_number": "TSB-21-001", "title": "Lean code diagnosis"}]
}`

func TestWorker_Process_StoresExtractionAndLinksChunk(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)
	refined := store.NewRefined(db)

	server := fakeExtractionServer(t, fakeExtractionJSON)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:         server.URL,
		ReasoningModel:  "test-reasoning",
		GenerateTimeout: 5 * time.Second,
	})

	w := New(queue, research, refined, llmClient, tr)
	docID, chunkID := seedEvaluatedDocument(t, db, 0.9)

	require.NoError(t, w.process(context.Background(), docID))

	dtc, err := refined.GetDTCByCode(context.Background(), "P0171")
	require.NoError(t, err)
	require.NotNil(t, dtc)
	assert.Equal(t, "System too lean bank 1", dtc.Description)
	assert.Equal(t, 1, dtc.SourceCount)

	causes, err := refined.CausesForDTC(context.Background(), dtc.ID)
	require.NoError(t, err)
	require.Len(t, causes, 1)
	assert.Equal(t, chunkID, causes[0].ChunkID)

	steps, err := refined.StepsForDTC(context.Background(), dtc.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].StepOrder)

	var linkCount int
	require.NoError(t, db.GetContext(context.Background(), &linkCount, `SELECT count(*) FROM refined.dtc_chunk_links WHERE dtc_id = $1 AND chunk_id = $2`, dtc.ID, chunkID))
	assert.Equal(t, 1, linkCount)

	doc, err := research.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, models.StageExtracting, doc.ProcessingStage)

	depth, err := queue.Depth(context.Background(), queuestore.QueueResolve)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorker_Process_DTCConflictIncrementsSourceCount(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)
	refined := store.NewRefined(db)

	server := fakeExtractionServer(t, fakeExtractionJSON)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:         server.URL,
		ReasoningModel:  "test-reasoning",
		GenerateTimeout: 5 * time.Second,
	})

	w := New(queue, research, refined, llmClient, tr)
	doc1, _ := seedEvaluatedDocument(t, db, 0.9)
	require.NoError(t, w.process(context.Background(), doc1))

	doc2, _ := seedEvaluatedDocument(t, db, 0.9)
	require.NoError(t, w.process(context.Background(), doc2))

	dtc, err := refined.GetDTCByCode(context.Background(), "P0171")
	require.NoError(t, err)
	require.NotNil(t, dtc)
	assert.Equal(t, 2, dtc.SourceCount)
	assert.Equal(t, "System too lean bank 1", dtc.Description, "existing non-empty field must survive the conflict")
}

func TestWorker_Process_SkipsLowRelevanceChunks(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)
	refined := store.NewRefined(db)

	server := fakeExtractionServer(t, fakeExtractionJSON)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:         server.URL,
		ReasoningModel:  "test-reasoning",
		GenerateTimeout: 5 * time.Second,
	})

	w := New(queue, research, refined, llmClient, tr)
	docID, _ := seedEvaluatedDocument(t, db, 0.1)

	require.NoError(t, w.process(context.Background(), docID))

	dtc, err := refined.GetDTCByCode(context.Background(), "P0171")
	require.NoError(t, err)
	assert.Nil(t, dtc, "a chunk below the relevance threshold must not be extracted")
}

func TestNormalizeDTCCode_UppercasesAndTrims(t *testing.T) {
	assert.Equal(t, "P0171", normalizeDTCCode(" p0171 "))
}
