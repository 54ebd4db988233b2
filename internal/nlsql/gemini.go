package nlsql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

type GeminiConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// GeminiGenerator calls the generateContent REST endpoint. One request per
// Generate, plus at most one corrective re-prompt when the response carries
// no extractable SQL; latency and cost stay bounded.
type GeminiGenerator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewGeminiGenerator(cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiGenerator{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Candidate, error) {
	prompt := buildGenerationPrompt(req)

	raw, err := g.generateContent(ctx, prompt)
	if err != nil {
		return Candidate{}, err
	}
	if sqlText, ok := ExtractSQL(raw); ok {
		return Candidate{RawText: raw, SQL: sqlText, TargetTables: TargetTables(sqlText)}, nil
	}

	// One corrective re-prompt, then give up.
	raw, err = g.generateContent(ctx, prompt+
		"\n\nYour previous reply contained no SQL. Return ONLY the SQL statement, nothing else.")
	if err != nil {
		return Candidate{}, err
	}
	sqlText, ok := ExtractSQL(raw)
	if !ok {
		return Candidate{}, fault.New(fault.KindGenerationFailure,
			"model response contained no SQL statement")
	}
	return Candidate{RawText: raw, SQL: sqlText, TargetTables: TargetTables(sqlText)}, nil
}

func (g *GeminiGenerator) Explain(ctx context.Context, question, sqlText, resultSummary string) (string, error) {
	prompt := fmt.Sprintf(
		"User Question: %s\n\nSQL Query: %s\n\nQuery Results Summary:\n%s\n\n"+
			"Provide a concise, business-friendly explanation of these results in 2-3 sentences. "+
			"Focus on key insights and what the numbers mean.",
		question, sqlText, resultSummary)

	raw, err := g.generateContent(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func buildGenerationPrompt(req Request) string {
	limitRule := "Use LIMIT for row limits."
	if strings.EqualFold(req.Dialect, "sqlserver") {
		limitRule = "Use TOP instead of LIMIT for row limits."
	}
	return fmt.Sprintf(`You are a SQL expert. Generate one %s query using ONLY the tables and columns in the schema below.

%s

CRITICAL RULES:
1. Use ONLY the table and column names shown in the schema above
2. Do NOT invent or assume table or column names that are not listed
3. Generate ONLY the SQL code, no explanations
4. %s
5. Generate a single read-only SELECT statement
6. Quote identifiers containing spaces or special characters

Natural Language Request: %q

SQL Query:`, req.Dialect, req.SchemaContext, limitRule, req.Question)
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

func (g *GeminiGenerator) generateContent(ctx context.Context, prompt string) (string, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     g.temperature,
			TopP:            0.8,
			TopK:            40,
			MaxOutputTokens: 500,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fault.Wrap(err, fault.KindGenerationFailure, "cannot marshal generation request")
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(err, fault.KindGenerationFailure, "cannot build generation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fault.Wrap(err, fault.KindGenerationFailure, "model request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(err, fault.KindGenerationFailure, "cannot read model response")
	}
	if resp.StatusCode >= 400 {
		return "", fault.Newf(fault.KindGenerationFailure,
			"model request failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return "", fault.Wrap(err, fault.KindGenerationFailure, "cannot decode model response")
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fault.New(fault.KindGenerationFailure, "model returned no content")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}
