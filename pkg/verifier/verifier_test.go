package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/database"
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

type fakeOpenAIServer struct {
	*httptest.Server
	calls []string
}

// newFakeOpenAIServer returns a chat-completions fake that replies
// with body for every call, recording the Authorization header of
// each request it served.
func newFakeOpenAIServer(t *testing.T, statusSequence []int, body string) *fakeOpenAIServer {
	t.Helper()
	f := &fakeOpenAIServer{}
	call := 0
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls = append(f.calls, r.Header.Get("Authorization"))

		status := http.StatusOK
		if call < len(statusSequence) {
			status = statusSequence[call]
		}
		call++

		w.Header().Set("x-ratelimit-remaining-requests", "9999")
		w.Header().Set("x-ratelimit-reset-requests", "1h0m0s")
		if status == http.StatusTooManyRequests {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(status)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": body}},
			},
			"usage": map[string]any{"total_tokens": 123},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	return f
}

func seedDTC(t *testing.T, db *database.Client, code string, confidence float64, sourceCount int) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowxContext(context.Background(), `
		INSERT INTO knowledge.dtc_master (code, description, category, severity_level, emissions_related, confidence, source_count)
		VALUES ($1, 'Generic description', 'powertrain', 2, false, $2, $3)
		RETURNING id`, code, confidence, sourceCount).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestVerifier_VerifyOne_AllConfirmedSetsVerified(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	knowledge := store.NewKnowledge(db)

	dtcID := seedDTC(t, db, "P0420", 0.6, 5)

	body := `{
		"code": "P0420",
		"overall_accuracy": 0.9,
		"fields": {
			"description": {"result": "confirmed", "notes": "accurate"},
			"causes": {"result": "confirmed", "notes": "accurate"}
		},
		"confidence_adjustment": 0.1
	}`
	server := newFakeOpenAIServer(t, nil, body)
	t.Cleanup(server.Close)

	v := New(knowledge, queue, config.VerifierConfig{BaseURL: server.URL, APIKeys: []string{"sk-test"}})

	dtc, err := knowledge.NextUnverifiedDTC(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dtc)
	require.Equal(t, dtcID, dtc.ID)

	require.NoError(t, v.verifyOne(context.Background(), *dtc))

	updated, err := knowledge.GetDTCMasterByCode(context.Background(), "P0420")
	require.NoError(t, err)
	assert.Equal(t, "verified", updated.VerificationStatus)
	assert.InDelta(t, 0.7, updated.Confidence, 1e-9)

	again, err := knowledge.NextUnverifiedDTC(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again, "a verified dtc must not be picked again")
}

func TestVerifier_VerifyOne_AnyDisputedSetsDisputed(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	knowledge := store.NewKnowledge(db)
	seedDTC(t, db, "P0171", 0.5, 3)

	body := `{
		"code": "P0171",
		"fields": {
			"description": {"result": "confirmed"},
			"causes": {"result": "disputed", "notes": "likely wrong"}
		},
		"confidence_adjustment": -0.2
	}`
	server := newFakeOpenAIServer(t, nil, body)
	t.Cleanup(server.Close)

	v := New(knowledge, queue, config.VerifierConfig{BaseURL: server.URL, APIKeys: []string{"sk-test"}})

	dtc, err := knowledge.NextUnverifiedDTC(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.verifyOne(context.Background(), *dtc))

	updated, err := knowledge.GetDTCMasterByCode(context.Background(), "P0171")
	require.NoError(t, err)
	assert.Equal(t, "disputed", updated.VerificationStatus)
	assert.InDelta(t, 0.3, updated.Confidence, 1e-9)
}

func TestVerifier_VerifyOne_ConfidenceAdjustmentClamped(t *testing.T) {
	db := newTestDB(t)
	queue := newTestQueue(t)
	knowledge := store.NewKnowledge(db)
	seedDTC(t, db, "P0300", 0.9, 2)

	body := `{"fields": {"description": {"result": "corrected"}}, "confidence_adjustment": 5.0}`
	server := newFakeOpenAIServer(t, nil, body)
	t.Cleanup(server.Close)

	v := New(knowledge, queue, config.VerifierConfig{BaseURL: server.URL, APIKeys: []string{"sk-test"}})

	dtc, err := knowledge.NextUnverifiedDTC(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.verifyOne(context.Background(), *dtc))

	updated, err := knowledge.GetDTCMasterByCode(context.Background(), "P0300")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, updated.Confidence, 1e-9, "confidence must clamp to 1.0 even though 0.9+5.0 would exceed it")
}

func TestKeyManager_ChatCompletion_RotatesKeyOn429(t *testing.T) {
	body := `{"fields": {}, "confidence_adjustment": 0}`
	server := newFakeOpenAIServer(t, []int{http.StatusTooManyRequests, http.StatusOK}, body)
	t.Cleanup(server.Close)

	queue := newTestQueue(t)
	mgr := NewKeyManager(queue, []string{"sk-key-1", "sk-key-2"})

	content, keyUsed, tokens, err := mgr.ChatCompletion(context.Background(), server.URL, "gpt-4o-mini",
		[]chatMessage{{Role: "user", Content: "hi"}}, 100)
	require.NoError(t, err)
	assert.Equal(t, body, content)
	assert.EqualValues(t, 123, tokens)
	assert.Contains(t, []string{"key_1", "key_2"}, keyUsed)
	assert.Len(t, server.calls, 2, "the first 429 must trigger exactly one rotation to the second key")
}

func TestKeyManager_ChatCompletion_NoKeysConfigured(t *testing.T) {
	queue := newTestQueue(t)
	mgr := NewKeyManager(queue, nil)

	_, _, _, err := mgr.ChatCompletion(context.Background(), "http://unused", "gpt-4o-mini", nil, 100)
	assert.ErrorIs(t, err, ErrNoAvailableKey)
}

func TestParseResetDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"6m0s":    6 * time.Minute,
		"1h30m0s": time.Hour + 30*time.Minute,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseResetDuration(in), in)
	}
	assert.Equal(t, time.Minute, parseResetDuration(""), "an empty string should fall back to the default")
}
