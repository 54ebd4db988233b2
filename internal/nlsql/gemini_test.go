package nlsql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

func geminiResponse(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]string{{"text": text}},
			},
			"finishReason": "STOP",
		}},
	})
	return string(body)
}

func newFakeGemini(t *testing.T, handler http.HandlerFunc) *GeminiGenerator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gen, err := NewGeminiGenerator(GeminiConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gemini-2.5-flash",
	})
	require.NoError(t, err)
	return gen
}

func testRequest() Request {
	return Request{
		Question:      "how many customers do we have",
		SchemaContext: "Database: ecommerce\n\nTable: customers",
		Dialect:       "mysql",
	}
}

func TestGenerateExtractsFencedSQL(t *testing.T) {
	var captured geminiRequest
	gen := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "models/gemini-2.5-flash:generateContent")
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(geminiResponse("```sql\nSELECT COUNT(*) FROM customers\n```")))
	})

	candidate, err := gen.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(*) FROM customers", candidate.SQL)
	assert.Equal(t, []string{"customers"}, candidate.TargetTables)

	require.Len(t, captured.Contents, 1)
	prompt := captured.Contents[0].Parts[0].Text
	assert.Contains(t, prompt, "Table: customers")
	assert.Contains(t, prompt, "how many customers do we have")
	assert.Contains(t, prompt, "ONLY the table and column names")
	assert.Equal(t, 500, captured.GenerationConfig.MaxOutputTokens)
}

func TestGenerateRepromptsOnceOnProseReply(t *testing.T) {
	var calls int
	gen := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(geminiResponse("I think you want a count of the customers table.")))
			return
		}
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Contents[0].Parts[0].Text, "Return ONLY the SQL statement")
		_, _ = w.Write([]byte(geminiResponse("SELECT COUNT(*) FROM customers")))
	})

	candidate, err := gen.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "SELECT COUNT(*) FROM customers", candidate.SQL)
}

func TestGenerateGivesUpAfterSecondProseReply(t *testing.T) {
	var calls int
	gen := newFakeGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(geminiResponse("Sorry, I can only answer in prose.")))
	})

	_, err := gen.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, 2, calls, "exactly one corrective re-prompt")
	assert.True(t, fault.IsKind(err, fault.KindGenerationFailure))
}

func TestGenerateUpstreamErrorIsGenerationFailure(t *testing.T) {
	gen := newFakeGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	})

	_, err := gen.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindGenerationFailure))
	assert.Contains(t, err.Error(), "429")
}

func TestGenerateEmptyCandidatesIsGenerationFailure(t *testing.T) {
	gen := newFakeGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})

	_, err := gen.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindGenerationFailure))
}

func TestGeneratePromptUsesDialectRowLimitRule(t *testing.T) {
	prompt := buildGenerationPrompt(Request{Question: "top orders", Dialect: "sqlserver"})
	assert.Contains(t, prompt, "Use TOP instead of LIMIT")

	prompt = buildGenerationPrompt(Request{Question: "top orders", Dialect: "mysql"})
	assert.Contains(t, prompt, "Use LIMIT")
}

func TestExplainReturnsTrimmedText(t *testing.T) {
	gen := newFakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Contents[0].Parts[0].Text, "business-friendly explanation")
		_, _ = w.Write([]byte(geminiResponse("\nYou have 42 customers in total.\n")))
	})

	explanation, err := gen.Explain(context.Background(),
		"how many customers", "SELECT COUNT(*) FROM customers", "count: 42")
	require.NoError(t, err)
	assert.Equal(t, "You have 42 customers in total.", explanation)
}

func TestNewGeminiGeneratorRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiGenerator(GeminiConfig{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "api key"))
}
