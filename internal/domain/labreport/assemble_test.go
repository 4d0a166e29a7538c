package labreport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var collected = date(2024, 3, 15)

func assembleText(docID, text string) Assembly {
	return Assemble(docID, ExtractCandidates(text), AssembleOptions{CollectionDate: collected})
}

func TestAssemble_GlucoseScenario(t *testing.T) {
	a := assembleText("doc-1", "Glucose: 130 mg/dL (70-99)")
	require.Len(t, a.Results, 1)

	r := a.Results[0]
	assert.Equal(t, "doc-1-1", r.ID)
	assert.Equal(t, "Glucose", r.TestName)
	assert.Equal(t, "Glucose", r.NormalizedTestName)
	assert.True(t, r.Normalized)
	assert.Equal(t, 130.0, r.Value)
	assert.Equal(t, "mg/dL", r.Unit)
	assert.Equal(t, "70-99", r.ReferenceRange)
	assert.Equal(t, StatusHigh, r.Status)
	assert.Equal(t, "doc-1", r.SourceDocumentID)
	assert.Equal(t, TrendStable, r.TrendDirection)
	assert.True(t, collected.Equal(r.CollectionDate))
	assert.Contains(t, r.InsightTags, "diabetes-risk")
}

func TestAssemble_TSHExplicitNormal(t *testing.T) {
	a := assembleText("doc-1", "TSH 2.1 uIU/mL (0.4-4.0) NORMAL")
	require.Len(t, a.Results, 1)
	assert.Equal(t, StatusNormal, a.Results[0].Status)
	assert.Equal(t, 1, a.Duplicates)
}

func TestAssemble_DedupPrefersMostComplete(t *testing.T) {
	v := 160.0
	candidates := []RawCandidate{
		{RawName: "LDL", RawValueText: "160", Value: &v, LineOffset: 4, Pattern: 0},
		{RawName: "LDL Cholesterol", RawValueText: "160", Value: &v, RawUnit: "mg/dL", RawRangeText: "0-99", RawStatusText: "HIGH", LineOffset: 4, Pattern: 2},
		{RawName: "ldl-c", RawValueText: "160", Value: &v, RawUnit: "mg/dL", RawRangeText: "0-99", LineOffset: 4, Pattern: 1},
	}
	a := Assemble("doc", candidates, AssembleOptions{})
	require.Len(t, a.Results, 1)
	assert.Equal(t, 2, a.Duplicates)
	assert.Equal(t, "LDL Cholesterol", a.Results[0].TestName)
	assert.Equal(t, StatusHigh, a.Results[0].Status)
}

func TestAssemble_TieBreaksOnPatternPriority(t *testing.T) {
	v1, v2 := 5.0, 6.0
	candidates := []RawCandidate{
		{RawName: "Potassium", Value: &v2, RawUnit: "mmol/L", RawRangeText: "3.5-5.1", LineOffset: 0, Pattern: 1},
		{RawName: "K", Value: &v1, RawUnit: "mmol/L", RawRangeText: "3.5-5.1", LineOffset: 0, Pattern: 0},
	}
	a := Assemble("doc", candidates, AssembleOptions{})
	require.Len(t, a.Results, 1)
	assert.Equal(t, 5.0, a.Results[0].Value)
	assert.Equal(t, "K", a.Results[0].TestName)
}

func TestAssemble_SameNameDifferentLinesKept(t *testing.T) {
	a := assembleText("doc", "Glucose: 130 mg/dL (70-99)\nGlucose: 95 mg/dL (70-99)")
	require.Len(t, a.Results, 2)
	assert.Equal(t, "doc-1", a.Results[0].ID)
	assert.Equal(t, "doc-2", a.Results[1].ID)
	assert.Equal(t, StatusHigh, a.Results[0].Status)
	assert.Equal(t, StatusNormal, a.Results[1].Status)
}

func TestAssemble_DiscardsUnparseableValues(t *testing.T) {
	a := assembleText("doc", "Glucose: 1.2.3 mg/dL\nTSH: 2.1 uIU/mL (0.4-4.0)")
	assert.Equal(t, 1, a.Discarded)
	require.Len(t, a.Results, 1)
	assert.Equal(t, "TSH", a.Results[0].NormalizedTestName)
	assert.Equal(t, "doc-1", a.Results[0].ID)
}

func TestAssemble_TrailingCommaKeepsResult(t *testing.T) {
	a := assembleText("doc", "HbA1c: 5.4, fasting\nGlucose: 92.")
	assert.Equal(t, 0, a.Discarded)
	require.Len(t, a.Results, 2)
	assert.Equal(t, "Hemoglobin A1c", a.Results[0].NormalizedTestName)
	assert.Equal(t, 5.4, a.Results[0].Value)
	assert.Equal(t, "Glucose", a.Results[1].NormalizedTestName)
	assert.Equal(t, 92.0, a.Results[1].Value)
}

func TestAssemble_SourceOrder(t *testing.T) {
	text := "Hemoglobin 13.5 g/dL 12.0-16.0\nGlucose: 130 mg/dL (70-99)\nTSH 2.1 uIU/mL (0.4-4.0) NORMAL\nPlatelets 250 150-400"
	a := assembleText("d", text)
	var names []string
	for _, r := range a.Results {
		names = append(names, r.NormalizedTestName)
	}
	assert.Equal(t, []string{"Hemoglobin", "Glucose", "TSH", "Platelets"}, names)
	for i, r := range a.Results {
		assert.Equal(t, "d-"+string(rune('1'+i)), r.ID)
	}
}

func TestAssemble_UnmappedNamePassesThrough(t *testing.T) {
	a := assembleText("d", "Mystery Marker: 42")
	require.Len(t, a.Results, 1)
	r := a.Results[0]
	assert.Equal(t, "Mystery Marker", r.NormalizedTestName)
	assert.False(t, r.Normalized)
	assert.Equal(t, StatusNormal, r.Status)
	assert.Empty(t, r.InsightTags)
}

func TestAssemble_Deterministic(t *testing.T) {
	text := "Glucose: 130 mg/dL (70-99)\nTSH 2.1 uIU/mL (0.4-4.0) NORMAL\nHbA1c: 6.1 % (4.0-5.6)\nLDL Cholesterol: 160 mg/dL (0-99) HIGH\nVitamin D 18 ng/mL 30-100"
	first, err := json.Marshal(assembleText("doc-7", text).Results)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(assembleText("doc-7", text).Results)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestAssemble_JSONShape(t *testing.T) {
	a := assembleText("doc", "Mystery Marker: 42")
	data, err := json.Marshal(a.Results[0])
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "testName", "normalizedTestName", "value", "unit", "referenceRange",
		"status", "collectionDate", "sourceDocumentId", "trendDirection", "insightTags", "familyContextTags", "watchItems"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, []any{}, raw["insightTags"])
	assert.NotContains(t, raw, "explanation")
}

func TestAssemble_Empty(t *testing.T) {
	a := Assemble("doc", nil, AssembleOptions{})
	assert.NotNil(t, a.Results)
	assert.Empty(t, a.Results)
	assert.Zero(t, a.Discarded)
}
