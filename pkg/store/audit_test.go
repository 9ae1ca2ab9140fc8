package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagforge/refinery/pkg/models"
)

func TestAudit_AllDTCCodes(t *testing.T) {
	db := newTestDB(t)
	k := NewKnowledge(db)
	a := NewAudit(db)
	ctx := context.Background()

	_, err := k.UpsertDTCMaster(ctx, "P0300", "Random misfire", models.CategoryPowertrain, models.SeverityModerate, false)
	require.NoError(t, err)
	_, err = k.UpsertDTCMaster(ctx, "P0171", "System too lean", models.CategoryEmissions, models.SeverityMinor, false)
	require.NoError(t, err)

	codes, err := a.AllDTCCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0171", "P0300"}, codes)
}

func TestAudit_CompletenessRows_ReflectsFieldPresence(t *testing.T) {
	db := newTestDB(t)
	research := NewResearch(db)
	refined := NewRefined(db)
	k := NewKnowledge(db)
	a := NewAudit(db)
	ctx := context.Background()

	bareID, err := k.UpsertDTCMaster(ctx, "P0420", "", models.CategoryUnknown, models.SeverityUnknown, false)
	require.NoError(t, err)

	completeID, err := k.UpsertDTCMaster(ctx, "P0301", "Cylinder 1 misfire", models.CategoryPowertrain, models.SeverityModerate, false)
	require.NoError(t, err)
	_, err = k.UpsertChildRunningMean(ctx, models.KnowledgeChild{DTCID: completeID, Kind: models.ChildCause, Text: "worn plug", EvidenceCount: 1, AvgTrust: 0.7, AvgRelevance: 0.8})
	require.NoError(t, err)
	_, err = k.UpsertChildRunningMean(ctx, models.KnowledgeChild{DTCID: completeID, Kind: models.ChildDiagnosticStep, Text: "inspect plug", EvidenceCount: 1, AvgTrust: 0.7, AvgRelevance: 0.8})
	require.NoError(t, err)
	_, err = k.UpsertChildRunningMean(ctx, models.KnowledgeChild{DTCID: completeID, Kind: models.ChildSensor, Text: "crank position sensor", EvidenceCount: 1, AvgTrust: 0.7, AvgRelevance: 0.8})
	require.NoError(t, err)

	docID := createTestDocument(t, research)
	chunkID, err := research.UpsertChunk(ctx, docID, 0, "misfire chunk", 0, 20)
	require.NoError(t, err)
	refinedDTCID, err := refined.UpsertDTC(ctx, "P0301", "Cylinder 1 misfire", "powertrain", "moderate")
	require.NoError(t, err)
	require.NoError(t, refined.LinkDTCChunk(ctx, refinedDTCID, chunkID))
	require.NoError(t, refined.UpsertTSB(ctx, "TSB-1", "Misfire bulletin", chunkID))

	rows, err := a.CompletenessRows(ctx)
	require.NoError(t, err)

	var bare, complete *DTCCompleteness
	for i := range rows {
		switch rows[i].ID {
		case bareID:
			bare = &rows[i]
		case completeID:
			complete = &rows[i]
		}
	}
	require.NotNil(t, bare)
	require.NotNil(t, complete)

	assert.False(t, bare.HasDescription)
	assert.False(t, bare.HasCategory)
	assert.False(t, bare.HasSeverity)
	assert.False(t, bare.HasCauses)
	assert.False(t, bare.HasTSB)

	assert.True(t, complete.HasDescription)
	assert.True(t, complete.HasCategory)
	assert.True(t, complete.HasSeverity)
	assert.True(t, complete.HasCauses)
	assert.True(t, complete.HasSteps)
	assert.True(t, complete.HasSensors)
	assert.True(t, complete.HasTSB, "a TSB co-occurring with the DTC's chunk must count toward completeness")
}
