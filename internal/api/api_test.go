package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/executor"
	"github.com/sqlbridge/sqlbridge/internal/fault"
	"github.com/sqlbridge/sqlbridge/internal/nlsql"
	"github.com/sqlbridge/sqlbridge/internal/schema"
)

type fakeManager struct {
	db          *sql.DB
	acquireErr  error
	invalidated []dbconn.Identity
	releases    int
}

func (f *fakeManager) Acquire(context.Context, dbconn.ConnectionProfile) (*sql.DB, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.db, nil
}

func (f *fakeManager) Release(dbconn.ConnectionProfile) { f.releases++ }

func (f *fakeManager) Invalidate(identity dbconn.Identity) {
	f.invalidated = append(f.invalidated, identity)
}

type fakeSchemas struct {
	snapshot *schema.Snapshot
	err      error
}

func (f *fakeSchemas) Snapshot(context.Context, dbconn.ConnectionProfile) (*schema.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type fakeGenerator struct {
	candidate   nlsql.Candidate
	generateErr error
	explanation string
	explainErr  error
	lastRequest nlsql.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req nlsql.Request) (nlsql.Candidate, error) {
	f.lastRequest = req
	if f.generateErr != nil {
		return nlsql.Candidate{}, f.generateErr
	}
	return f.candidate, nil
}

func (f *fakeGenerator) Explain(context.Context, string, string, string) (string, error) {
	if f.explainErr != nil {
		return "", f.explainErr
	}
	return f.explanation, nil
}

type fakeExecutor struct {
	result  *executor.Result
	err     error
	lastSQL string
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _ *sql.DB, sqlText string, _ time.Duration, _ int) (*executor.Result, error) {
	f.calls++
	f.lastSQL = sqlText
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testSnapshot() *schema.Snapshot {
	return &schema.Snapshot{
		Database: "ecommerce",
		Tables: []schema.TableInfo{
			{Name: "customers", Columns: []schema.ColumnInfo{
				{Name: "id", DeclaredType: "int", PrimaryKey: true},
				{Name: "name", DeclaredType: "varchar(255)"},
			}},
			{Name: "orders"},
		},
		FetchedAt: time.Now().UTC(),
	}
}

func defaultProfile() dbconn.ConnectionProfile {
	return dbconn.ConnectionProfile{
		Dialect:  dbconn.DialectMySQL,
		Host:     "db.example.com",
		Port:     3306,
		Database: "ecommerce",
		User:     "reader",
		Password: "secret",
	}
}

type handlerFixture struct {
	manager   *fakeManager
	schemas   *fakeSchemas
	generator *fakeGenerator
	executor  *fakeExecutor
	handler   http.Handler
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fx := &handlerFixture{
		manager: &fakeManager{db: db},
		schemas: &fakeSchemas{snapshot: testSnapshot()},
		generator: &fakeGenerator{candidate: nlsql.Candidate{
			SQL:          "SELECT id, name FROM customers",
			TargetTables: []string{"customers"},
		}},
		executor: &fakeExecutor{result: &executor.Result{
			Columns:  []string{"id", "name"},
			Rows:     []map[string]any{{"id": int64(1), "name": "Ada"}},
			RowCount: 1,
		}},
	}
	fx.handler = NewHandler(config.Config{
		Query: config.QueryConfig{MaxRowsReturn: 1000, Timeout: 30 * time.Second, ExplainRows: 20},
	}, Dependencies{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Manager:        fx.manager,
		Schemas:        fx.schemas,
		Generator:      fx.generator,
		Executor:       fx.executor,
		DefaultProfile: defaultProfile(),
	}).Routes()
	return fx
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestQueryHappyPath(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list all customers"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[queryResponse](t, rec)
	if resp.SQL != "SELECT id, name FROM customers LIMIT 1000" {
		t.Fatalf("sql = %q", resp.SQL)
	}
	if resp.RowCount != 1 || resp.Truncated {
		t.Fatalf("row_count = %d truncated = %v", resp.RowCount, resp.Truncated)
	}
	if !strings.HasPrefix(fx.executor.lastSQL, "SELECT id, name FROM customers LIMIT") {
		t.Fatalf("executed sql = %q", fx.executor.lastSQL)
	}
	if fx.manager.releases != 1 {
		t.Fatalf("releases = %d, want 1", fx.manager.releases)
	}
	if !strings.Contains(fx.generator.lastRequest.SchemaContext, "Table: customers") {
		t.Fatal("generation prompt should carry the schema snapshot")
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("response should carry a trace id")
	}
}

func TestQueryFetchesProbeRowBeyondCap(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list all customers"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[queryResponse](t, rec)
	if fx.executor.lastSQL != "SELECT id, name FROM customers LIMIT 1001" {
		t.Fatalf("executed sql = %q, want the cap plus one probe row", fx.executor.lastSQL)
	}
	if resp.SQL != "SELECT id, name FROM customers LIMIT 1000" {
		t.Fatalf("reported sql = %q, want the real cap", resp.SQL)
	}
}

func TestQueryTruncationSurvivesStatementLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	// A database honoring LIMIT 4 returns exactly four rows; the fourth is
	// the probe that flips the truncation flag.
	rows := sqlmock.NewRows([]string{"id"})
	for i := 1; i <= 4; i++ {
		rows.AddRow(i)
	}
	mock.ExpectQuery("LIMIT 4").WillReturnRows(rows)

	handler := NewHandler(config.Config{
		Query: config.QueryConfig{MaxRowsReturn: 3, Timeout: time.Second, ExplainRows: 20},
	}, Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Manager: &fakeManager{db: db},
		Schemas: &fakeSchemas{snapshot: testSnapshot()},
		Generator: &fakeGenerator{candidate: nlsql.Candidate{
			SQL:          "SELECT id FROM customers",
			TargetTables: []string{"customers"},
		}},
		Executor:       executor.New(slog.New(slog.NewTextHandler(io.Discard, nil))),
		DefaultProfile: defaultProfile(),
	}).Routes()

	rec := doJSON(t, handler, http.MethodPost, "/api/query",
		`{"question": "list customers"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[queryResponse](t, rec)
	if resp.RowCount != 3 {
		t.Fatalf("row_count = %d, want 3", resp.RowCount)
	}
	if !resp.Truncated {
		t.Fatal("truncation must surface even when the database honors the limit")
	}
	if !strings.HasSuffix(resp.SQL, "LIMIT 3") {
		t.Fatalf("reported sql = %q", resp.SQL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryRejectsGeneratedWrite(t *testing.T) {
	fx := newFixture(t)
	fx.generator.candidate = nlsql.Candidate{SQL: "DROP TABLE customers"}

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "drop the customers table"}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.ErrorCode != "VALIDATION_REJECTION" {
		t.Fatalf("error_code = %q", resp.ErrorCode)
	}
	if resp.Retryable {
		t.Fatal("validation rejections are not retryable")
	}
	if fx.executor.calls != 0 {
		t.Fatal("rejected statement must never reach the executor")
	}
}

func TestQueryRejectsUnknownTable(t *testing.T) {
	fx := newFixture(t)
	fx.generator.candidate = nlsql.Candidate{
		SQL:          "SELECT * FROM invoices",
		TargetTables: []string{"invoices"},
	}

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list invoices"}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if fx.executor.calls != 0 {
		t.Fatal("rejected statement must never reach the executor")
	}
}

func TestQueryTimeoutInvalidatesConnection(t *testing.T) {
	fx := newFixture(t)
	fx.executor.err = fault.New(fault.KindExecutionTimeout, "query exceeded its time budget")

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "slow aggregation"}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if !resp.Retryable {
		t.Fatal("timeouts are retryable once the connection is reopened")
	}
	if len(fx.manager.invalidated) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(fx.manager.invalidated))
	}
	if fx.manager.invalidated[0] != defaultProfile().Identity() {
		t.Fatalf("invalidated %v", fx.manager.invalidated[0])
	}
}

func TestQueryExecutionErrorKeepsConnection(t *testing.T) {
	fx := newFixture(t)
	fx.executor.err = fault.New(fault.KindExecutionError, "query failed")

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "broken question"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fx.manager.invalidated) != 0 {
		t.Fatal("plain execution errors must not drop the connection")
	}
}

func TestQueryConnectionFailure(t *testing.T) {
	fx := newFixture(t)
	fx.manager.acquireErr = fault.New(fault.KindConnectionFailure, "cannot reach database")

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list customers"}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.ErrorCode != "CONNECTION_FAILURE" || !resp.Retryable {
		t.Fatalf("envelope = %+v", resp)
	}
}

func TestQueryValidation(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"blank question", `{"question": "   "}`},
		{"not json", `question=hello`},
		{"oversized question", `{"question": "` + strings.Repeat("x", maxQuestionLength+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, fx.handler, http.MethodPost, "/api/query", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestQueryWithExplanation(t *testing.T) {
	fx := newFixture(t)
	fx.generator.explanation = "You have one customer named Ada."

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list customers", "explain": true}`)

	resp := decodeBody[queryResponse](t, rec)
	if resp.Explanation != "You have one customer named Ada." {
		t.Fatalf("explanation = %q", resp.Explanation)
	}
}

func TestQueryExplanationFailureKeepsRows(t *testing.T) {
	fx := newFixture(t)
	fx.generator.explainErr = fault.New(fault.KindGenerationFailure, "model returned no content")

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list customers", "explain": true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; explanation failures must not fail the request", rec.Code)
	}
	resp := decodeBody[queryResponse](t, rec)
	if resp.Explanation != "" || resp.RowCount != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestQueryGeneratorUnavailable(t *testing.T) {
	fx := newFixture(t)
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	handler := NewHandler(config.Config{
		Query: config.QueryConfig{MaxRowsReturn: 1000, Timeout: time.Second},
	}, Dependencies{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Manager:        &fakeManager{db: db},
		Schemas:        fx.schemas,
		Executor:       fx.executor,
		DefaultProfile: defaultProfile(),
	}).Routes()

	rec := doJSON(t, handler, http.MethodPost, "/api/query", `{"question": "anything"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListTables(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodGet, "/api/tables", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[tablesResponse](t, rec)
	if resp.Database != "ecommerce" || len(resp.Tables) != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestListTablesIntrospectionFailure(t *testing.T) {
	fx := newFixture(t)
	fx.schemas.snapshot = nil
	fx.schemas.err = fault.New(fault.KindIntrospectionFailure, "cannot read schema")

	rec := doJSON(t, fx.handler, http.MethodGet, "/api/tables", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListDatabasesFiltersSystemSchemas(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery("FROM information_schema.schemata").WillReturnRows(
		sqlmock.NewRows([]string{"schema_name"}).
			AddRow("defaultdb").
			AddRow("ecommerce"))

	fx := newFixture(t)
	fx.manager.db = db

	rec := doJSON(t, fx.handler, http.MethodGet, "/api/databases", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[databasesResponse](t, rec)
	if len(resp.Databases) != 2 || resp.Databases[0] != "defaultdb" {
		t.Fatalf("databases = %v", resp.Databases)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConnectProbesCustomTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery("FROM information_schema.schemata").WillReturnRows(
		sqlmock.NewRows([]string{"schema_name"}).AddRow("sales"))

	fx := newFixture(t)
	fx.manager.db = db

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/connect",
		`{"server": "other.example.com", "port": 3306, "user": "reader", "password": "pw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[connectResponse](t, rec)
	if !resp.Connected || len(resp.Databases) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.Contains(resp.Identity, "other.example.com") {
		t.Fatalf("identity = %q", resp.Identity)
	}
}

func TestConnectRejectsIncompleteProfile(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodPost, "/api/connect",
		`{"server": "other.example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConnectFailureEnvelope(t *testing.T) {
	fx := newFixture(t)
	fx.manager.acquireErr = fault.New(fault.KindConnectionFailure,
		"database rejected the credentials")

	rec := doJSON(t, fx.handler, http.MethodPost, "/api/connect",
		`{"server": "other.example.com", "port": 3306, "user": "reader", "password": "bad"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if !strings.Contains(resp.Message, "credentials") {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestQueryWithCustomConnection(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodPost, "/api/query",
		`{"question": "list customers", "connection": {"dialect": "sqlserver", "server": "mssql.example.com", "database": "sales", "user": "reader", "password": "pw"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if fx.generator.lastRequest.Dialect != "sqlserver" {
		t.Fatalf("dialect = %q", fx.generator.lastRequest.Dialect)
	}
	resp := decodeBody[queryResponse](t, rec)
	if !strings.Contains(resp.SQL, "TOP (1000)") {
		t.Fatalf("sql = %q, want TOP injection for sqlserver", resp.SQL)
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := doJSON(t, fx.handler, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestReadyDegradedWithoutGenerator(t *testing.T) {
	fx := newFixture(t)
	handler := NewHandler(config.Config{
		Query: config.QueryConfig{MaxRowsReturn: 1000, Timeout: time.Second},
	}, Dependencies{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Manager:        fx.manager,
		Schemas:        fx.schemas,
		Executor:       fx.executor,
		DefaultProfile: defaultProfile(),
	}).Routes()

	rec := doJSON(t, handler, http.MethodGet, "/api/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
