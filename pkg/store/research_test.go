package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/diagforge/refinery/pkg/database"
	"github.com/diagforge/refinery/pkg/models"

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

func createTestDocument(t *testing.T, r *Research) string {
	id := uuid.NewString()
	require.NoError(t, r.CreateDocument(context.Background(), id, "title", "http://example.com/"+id, "text/html", "hash-"+id, "key-"+id))
	return id
}

func TestResearch_CreateAndFindDocumentByHash(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, r.CreateDocument(ctx, id, "Title", "http://example.com/a", "text/html", "abc123", "objects/a"))

	found, err := r.FindDocumentByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, id, found)

	missing, err := r.FindDocumentByHash(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, missing)

	doc, err := r.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, doc.ProcessingStage)
}

func TestResearch_UpsertChunk_IsIdempotentByDocumentAndIndex(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()
	docID := createTestDocument(t, r)

	first, err := r.UpsertChunk(ctx, docID, 0, "first text", 0, 10)
	require.NoError(t, err)

	second, err := r.UpsertChunk(ctx, docID, 0, "updated text", 0, 12)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-upserting the same (document, index) must reuse the same chunk id")

	chunks, err := r.ChunksForDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "updated text", chunks[0].Text)
}

func TestResearch_ChunksForExtraction_IncludesUnevaluatedAndRelevantChunks(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()
	docID := createTestDocument(t, r)

	unevaluated, err := r.UpsertChunk(ctx, docID, 0, "no evaluation yet", 0, 10)
	require.NoError(t, err)
	relevant, err := r.UpsertChunk(ctx, docID, 1, "relevant chunk", 10, 20)
	require.NoError(t, err)
	irrelevant, err := r.UpsertChunk(ctx, docID, 2, "irrelevant chunk", 20, 30)
	require.NoError(t, err)

	require.NoError(t, r.UpsertChunkEvaluation(ctx, models.ChunkEvaluation{ChunkID: relevant, Trust: 0.8, Relevance: 0.9, Domain: models.DomainEngine, ModelID: "m1"}))
	require.NoError(t, r.UpsertChunkEvaluation(ctx, models.ChunkEvaluation{ChunkID: irrelevant, Trust: 0.8, Relevance: 0.1, Domain: models.DomainEngine, ModelID: "m1"}))

	candidates, err := r.ChunksForExtraction(ctx, docID)
	require.NoError(t, err)

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	assert.ElementsMatch(t, []string{unevaluated, relevant}, ids)
}

func TestResearch_DomainRegistrationAndBlocking(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, r.RegisterDomain(ctx, "example.com"))
	require.NoError(t, r.RegisterDomain(ctx, "example.com")) // no-op on conflict

	blocked, err := r.IsDomainBlocked(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = r.IsDomainBlocked(ctx, "never-registered.com")
	require.NoError(t, err)
	assert.False(t, blocked, "an unregistered domain must not be treated as blocked")
}

func TestResearch_CreateCrawlRow_DedupsByURL(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()

	id, inserted, err := r.CreateCrawlRow(ctx, "http://example.com/page", 2)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, id)

	_, insertedAgain, err := r.CreateCrawlRow(ctx, "http://example.com/page", 2)
	require.NoError(t, err)
	assert.False(t, insertedAgain, "a duplicate URL must not create a second crawl row")

	exists, err := r.CrawlRowExists(ctx, "http://example.com/page")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, r.MarkCrawlRow(ctx, id, string(models.CrawlCompleted), ""))
	row, err := r.GetCrawlRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlCompleted, row.Status)
}

func TestResearch_ErroredDocumentIDsAndResetStage(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()
	docID := createTestDocument(t, r)

	require.NoError(t, r.ResetDocumentStage(ctx, docID, models.StageError))

	errored, err := r.ErroredDocumentIDs(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, errored, docID)

	require.NoError(t, r.ResetDocumentStage(ctx, docID, models.StageChunking))
	doc, err := r.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, models.StageChunking, doc.ProcessingStage)
	assert.Nil(t, doc.ErrorMessage)
}

func TestResearch_LastAttemptedStage_DefaultsToPendingWhenNoLogRows(t *testing.T) {
	r := NewResearch(newTestDB(t))
	ctx := context.Background()
	docID := createTestDocument(t, r)

	stage, err := r.LastAttemptedStage(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, stage)
}
