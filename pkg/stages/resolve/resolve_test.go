package resolve

import (
	"context"
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
	"github.com/diagforge/refinery/pkg/knowledge"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/vehicle"

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

// seedExtractedDocument builds a document at StageExtracting with one
// chunk, one refined DTC linked to that chunk with source_count 2 and
// a trust-scored evaluation, and two near-duplicate causes.
func seedExtractedDocument(t *testing.T, db *database.Client) (docID string, dtcID int64) {
	ctx := context.Background()
	docID = uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO research.documents (id, title, source_url, mime_type, content_hash, object_key, processing_stage)
		VALUES ($1, 'title', 'https://example.com/doc', 'text/html', $2, $3, $4)`,
		docID, uuid.NewString(), "raw/"+docID, models.StageExtracting)
	require.NoError(t, err)

	chunkID := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO research.chunks (id, document_id, chunk_index, text, char_start, char_end)
		VALUES ($1, $2, 0, 'text mentioning a 2015 Ford F-150 lean code', 0, 50)`, chunkID, docID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO research.chunk_evaluations (chunk_id, trust_score, relevance_score, domain, reasoning, model_id)
		VALUES ($1, 0.9, 0.8, 'emissions', 'n/a', 'test-model')`, chunkID)
	require.NoError(t, err)

	require.NoError(t, db.GetContext(ctx, &dtcID, `
		INSERT INTO refined.dtcs (code, description, category, severity, source_count)
		VALUES ('P0171', 'System too lean bank 1', 'emissions', 'medium', 2) RETURNING id`))

	_, err = db.ExecContext(ctx, `INSERT INTO refined.dtc_chunk_links (dtc_id, chunk_id) VALUES ($1, $2)`, dtcID, chunkID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO refined.causes (dtc_id, chunk_id, text, likelihood) VALUES ($1, $2, $3, $4)`,
		dtcID, chunkID, "Vacuum leak common on 2015 Ford F-150!", 0.7)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO refined.causes (dtc_id, chunk_id, text, likelihood) VALUES ($1, $2, $3, $4)`,
		dtcID, chunkID, "vacuum leak common on 2015 ford f-150", 0.6)
	require.NoError(t, err)
	return docID, dtcID
}

func seedVehicleCatalog(t *testing.T, db *database.Client) {
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO vehicle.catalog (make, model, year_start, year_end, trim)
		VALUES ('Ford', 'F-150', 2010, 2020, 'XLT')`)
	require.NoError(t, err)
}

func newWorker(t *testing.T, db *database.Client, queue *queuestore.Store, linked bool) *Worker {
	tr := document.New(db, queue)
	refined := store.NewRefined(db)
	kn := store.NewKnowledge(db)
	up := knowledge.New(db)

	var linker *vehicle.Linker
	if linked {
		var err error
		linker, err = vehicle.New(context.Background(), store.NewVehicle(db))
		require.NoError(t, err)
	}
	return New(queue, refined, kn, up, linker, tr)
}

func TestWorker_Process_DedupesCausesAndCompletesDocument(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	w := newWorker(t, db, queue, false)
	docID, dtcID := seedExtractedDocument(t, db)

	require.NoError(t, w.process(context.Background(), docID))

	refined := store.NewRefined(db)
	causes, err := refined.CausesForDTC(context.Background(), dtcID)
	require.NoError(t, err)
	require.Len(t, causes, 1, "near-duplicate causes must dedupe to the lowest id")

	kn := store.NewKnowledge(db)
	master, err := kn.GetDTCMasterByCode(context.Background(), "P0171")
	require.NoError(t, err)
	require.NotNil(t, master)
	// confidence = min(1, 0.3*min(1, 2/5) + 0.7*0.9) = 0.3*0.4 + 0.63 = 0.75
	assert.InDelta(t, 0.75, master.Confidence, 0.01)

	var stage models.Stage
	require.NoError(t, db.GetContext(context.Background(), &stage, `SELECT processing_stage FROM research.documents WHERE id = $1`, docID))
	assert.Equal(t, models.StageComplete, stage)
}

func TestWorker_Process_LinksVehicleMentionFromCauseText(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	seedVehicleCatalog(t, db)
	w := newWorker(t, db, queue, true)
	docID, _ := seedExtractedDocument(t, db)

	require.NoError(t, w.process(context.Background(), docID))

	var linkCount int
	require.NoError(t, db.GetContext(context.Background(), &linkCount, `SELECT count(*) FROM vehicle.dtc_vehicle_links`))
	assert.Equal(t, 1, linkCount, "cause text mentions a cataloged 2015 Ford F-150")
}

func TestResolveConfidence_ClampsAtOne(t *testing.T) {
	assert.Equal(t, 1.0, knowledge.ResolveConfidence(100, 1.0))
}
