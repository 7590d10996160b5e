package echoapi

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/optimistic"
	"github.com/trezcool/clinica/core/timerecord"
	logsvc "github.com/trezcool/clinica/services/logger"
	"github.com/trezcool/clinica/services/metrics"
	"github.com/trezcool/clinica/storage/database/inmem"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testApp struct {
	conf    *core.Config
	server  *Server
	db      *inmemdb.DB
	repo    timerecord.Repository
	tracker *optimistic.Tracker[timerecord.ClockStatus]
}

func testConfig() *core.Config {
	return &core.Config{
		AppName:   "Clinica",
		Env:       "TEST",
		TestMode:  true,
		SecretKey: "secret",
		Server: core.ServerConfig{
			JWTExpirationDelta: time.Hour,
			DisableReqLogs:     true,
		},
	}
}

func setup(t *testing.T) *testApp {
	conf := testConfig()
	logger := logsvc.NewStdLogger(log.New(&bytes.Buffer{}, "", 0), false)

	db := inmemdb.Open()
	repo := inmemdb.NewTimeRecordRepository(db)
	svc := timerecord.NewService(repo)

	opts := optimistic.DefaultOptions()
	opts.RetryDelay = 10 * time.Millisecond
	opts.AutoRollbackDelay = time.Minute
	opts.EvictionDelay = time.Minute
	opts.Logger = logger
	tracker := optimistic.New[timerecord.ClockStatus](opts)
	t.Cleanup(tracker.Clear)

	reg := prometheus.NewRegistry()
	stop := metrics.Observe(metrics.NewTrackerCollector(reg), tracker)
	t.Cleanup(stop)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	server := NewServer(ServerDeps{
		Conf:          conf,
		Logger:        logger,
		TimeRecordSvc: svc,
		Clock:         timerecord.NewClock(svc, tracker, logger),
		Validate:      validate,
		Translator:    translator,
		Metrics:       reg,
	})
	return &testApp{conf: conf, server: server, db: db, repo: repo, tracker: tracker}
}

func (app *testApp) token(t *testing.T, subject string, roles ...string) string {
	token, err := GenerateToken(app.conf, NewClaims(app.conf, subject, subject, roles...))
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

func (app *testApp) do(method, path, token string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(method, path, token, data...)
	app.server.ServeHTTP(rec, req)
	return rec
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
