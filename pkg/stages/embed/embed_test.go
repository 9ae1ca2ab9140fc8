package embed

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

// fakeEmbedServer returns a fixed-dimension embedding for every input
// text, just enough to exercise llm.Client.Embed end to end.
func fakeEmbedServer(t *testing.T, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := struct {
			Embeddings [][]float64 `json:"embeddings"`
		}{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float64{0.1, 0.2, 0.3})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func seedDocumentWithChunks(t *testing.T, db *database.Client, n int) string {
	ctx := context.Background()
	docID := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO research.documents (id, title, source_url, mime_type, content_hash, object_key, processing_stage, chunk_count)
		VALUES ($1, 'title', 'https://example.com/doc', 'text/html', $2, $3, $4, $5)`,
		docID, uuid.NewString(), "raw/"+docID, models.StageChunked, n)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := db.ExecContext(ctx, `
			INSERT INTO research.chunks (id, document_id, chunk_index, text, char_start, char_end)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), docID, i, "chunk text", i*10, i*10+10)
		require.NoError(t, err)
	}
	return docID
}

func TestWorker_Process_EmbedsEveryChunkInOrder(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)

	server := fakeEmbedServer(t, false)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:        server.URL,
		EmbeddingModel: "test-embed",
		EmbedTimeout:   5 * time.Second,
	})

	w := New(queue, research, llmClient, tr)
	docID := seedDocumentWithChunks(t, db, 3)

	require.NoError(t, w.process(context.Background(), docID))

	chunks, err := research.ChunksForDocument(context.Background(), docID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, 3, c.EmbeddingDims)
	}

	doc, err := research.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, models.StageEmbedded, doc.ProcessingStage)

	depth, err := queue.Depth(context.Background(), queuestore.QueueEvaluate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorker_Process_FailsDocumentWhenEmbeddingErrors(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	tr := document.New(db, queue)
	research := store.NewResearch(db)

	server := fakeEmbedServer(t, true)
	defer server.Close()
	llmClient := llm.NewClient(llm.Config{
		BaseURL:        server.URL,
		EmbeddingModel: "test-embed",
		EmbedTimeout:   5 * time.Second,
	})

	w := New(queue, research, llmClient, tr)
	docID := seedDocumentWithChunks(t, db, 1)

	err := w.process(context.Background(), docID)
	assert.Error(t, err)

	doc, err2 := research.GetDocument(context.Background(), docID)
	require.NoError(t, err2)
	assert.Equal(t, models.StageError, doc.ProcessingStage)
}
