package evaluate

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

func fakeReasoningServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Content string `json:"content"`
		}{Content: body}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func seedEmbeddedDocument(t *testing.T, db *database.Client) string {
	ctx := context.Background()
	docID := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO research.documents (id, title, source_url, mime_type, content_hash, object_key, processing_stage)
		VALUES ($1, 'title', 'https://example.com/doc', 'text/html', $2, $3, $4)`,
		docID, uuid.NewString(), "raw/"+docID, models.StageEmbedded)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO research.chunks (id, document_id, chunk_index, text, char_start, char_end)
		VALUES ($1, $2, 0, $3, 0, 50)`,
		uuid.NewString(), docID, "Vacuum leaks commonly trigger lean codes on the affected bank.")
	require.NoError(t, err)
	return docID
}

func TestWorker_Process_StoresClampedEvaluation(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)

	server := fakeReasoningServer(t, `{"trust": 1.4, "relevance": -0.2, "domain": "emissions", "reasoning": "clear match"}`)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:         server.URL,
		ReasoningModel:  "test-reasoning",
		GenerateTimeout: 5 * time.Second,
	})

	w := New(queue, research, llmClient, nil, tr, "test-reasoning")
	docID := seedEmbeddedDocument(t, db)

	require.NoError(t, w.process(context.Background(), docID))

	chunks, err := research.ChunksForDocument(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	var eval models.ChunkEvaluation
	require.NoError(t, db.GetContext(context.Background(), &eval, `SELECT * FROM research.chunk_evaluations WHERE chunk_id = $1`, chunks[0].ID))
	assert.Equal(t, 1.0, eval.Trust, "trust above 1 must clamp to 1")
	assert.Equal(t, 0.0, eval.Relevance, "relevance below 0 must clamp to 0")
	assert.Equal(t, models.DomainEmissions, eval.Domain)

	doc, err := research.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, models.StageEvaluating, doc.ProcessingStage)

	depth, err := queue.Depth(context.Background(), queuestore.QueueExtract)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorker_Process_UnknownDomainFallsBackToUnknown(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)

	server := fakeReasoningServer(t, `{"trust": 0.5, "relevance": 0.5, "domain": "not-a-real-domain", "reasoning": "n/a"}`)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:         server.URL,
		ReasoningModel:  "test-reasoning",
		GenerateTimeout: 5 * time.Second,
	})

	w := New(queue, research, llmClient, nil, tr, "test-reasoning")
	docID := seedEmbeddedDocument(t, db)

	require.NoError(t, w.process(context.Background(), docID))

	chunks, err := research.ChunksForDocument(context.Background(), docID)
	require.NoError(t, err)

	var domain models.Domain
	require.NoError(t, db.GetContext(context.Background(), &domain, `SELECT domain FROM research.chunk_evaluations WHERE chunk_id = $1`, chunks[0].ID))
	assert.Equal(t, models.DomainUnknown, domain)
}

func TestChunkSearchQuery_TruncatesToTwelveWords(t *testing.T) {
	text := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen"
	query := chunkSearchQuery(text)
	assert.Equal(t, "one two three four five six seven eight nine ten eleven twelve", query)
}
