package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarabd/scrub-worker/pkg/analysis"
	"github.com/kumarabd/scrub-worker/pkg/controlplane"
	"github.com/kumarabd/scrub-worker/pkg/delivery"
	"github.com/kumarabd/scrub-worker/pkg/presidio"
)

const piiEmail = "john@example.com"

// fakePlane is an httptest control plane recording every write.
type fakePlane struct {
	mu      sync.Mutex
	runtime map[string]interface{}
	targets []map[string]interface{}
	creates []map[string]interface{}
	patches []map[string]interface{}
	logs    []map[string]interface{}
	srv     *httptest.Server
}

func newFakePlane() *fakePlane {
	p := &fakePlane{
		runtime: map[string]interface{}{
			"maxFileSizeBytes":      1024 * 1024,
			"deleteAfterSuccess":    false,
			"deleteAfterFailure":    false,
			"anonymizationOperator": "replace",
		},
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/config":
			json.NewEncoder(w).Encode(p.runtime)
		case r.Method == http.MethodGet && r.URL.Path == "/targets":
			json.NewEncoder(w).Encode(p.targets)
		case r.Method == http.MethodPost && r.URL.Path == "/runs":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			p.creates = append(p.creates, body)
			json.NewEncoder(w).Encode(map[string]string{"id": "run-1"})
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/runs/"):
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			p.patches = append(p.patches, body)
		case r.Method == http.MethodPost && r.URL.Path == "/logs":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			p.logs = append(p.logs, body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return p
}

func (p *fakePlane) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, patch := range p.patches {
		if s, ok := patch["status"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakePlane) lastPatch() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.patches) == 0 {
		return nil
	}
	return p.patches[len(p.patches)-1]
}

func (p *fakePlane) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, event := range p.logs {
		if s, ok := event["eventType"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// newFakePresidio returns an analyzer+anonymizer that detects piiEmail and
// replaces it with an entity label.
func newFakePresidio(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			var req struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			findings := []presidio.Finding{}
			if idx := strings.Index(req.Text, piiEmail); idx >= 0 {
				findings = append(findings, presidio.Finding{
					EntityType: "EMAIL_ADDRESS",
					Start:      idx,
					End:        idx + len(piiEmail),
					Score:      0.9,
				})
			}
			json.NewEncoder(w).Encode(findings)
		case "/anonymize":
			var req struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(map[string]string{
				"text": strings.ReplaceAll(req.Text, piiEmail, "<EMAIL_ADDRESS>"),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type fixture struct {
	orchestrator *Orchestrator
	plane        *fakePlane
	presidioSrv  *httptest.Server
	dir          string
}

func newFixture(t *testing.T) *fixture {
	log, _ := logger.New("test", logger.Options{Format: logger.JSONLogFormat})

	plane := newFakePlane()
	t.Cleanup(plane.srv.Close)

	presidioSrv := newFakePresidio(t)
	t.Cleanup(presidioSrv.Close)

	planeClient := controlplane.New(&controlplane.Config{
		BaseURL:  plane.srv.URL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Millisecond, // effectively uncached so tests can vary config
	}, log, nil)

	presidioClient := presidio.New(&presidio.Config{
		AnalyzerURL:   presidioSrv.URL,
		AnonymizerURL: presidioSrv.URL,
		Timeout:       5 * time.Second,
	}, log)

	engine := delivery.New(&delivery.Config{
		HostAlias:      "",
		DefaultTimeout: 5 * time.Second,
	}, log, nil)

	analysisClient := analysis.New(&analysis.Config{Timeout: 5 * time.Second}, log)

	orchestrator := New(&Config{AcceptedExtensions: []string{".json"}},
		log, nil, presidioClient, planeClient, engine, analysisClient)

	return &fixture{
		orchestrator: orchestrator,
		plane:        plane,
		presidioSrv:  presidioSrv,
		dir:          t.TempDir(),
	}
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validLog = `{"messages":[
	{"id":"m1","role":"user","content":"my email is john@example.com"},
	{"id":"m2","role":"assistant","content":"noted, thanks"}
]}`

func TestProcessFileHappyPath(t *testing.T) {
	f := newFixture(t)

	var (
		mu        sync.Mutex
		delivered map[string]interface{}
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&delivered)
	}))
	defer target.Close()

	f.plane.mu.Lock()
	f.plane.targets = []map[string]interface{}{
		{"id": "t1", "name": "sink", "url": target.URL, "method": "POST", "enabled": true},
	}
	f.plane.mu.Unlock()

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	// Status sequence through the run lifecycle.
	assert.Equal(t, []string{"processing", "anonymized", "delivering", "delivered"}, f.plane.statuses())

	// Run creation only ever carries the filename hash.
	f.plane.mu.Lock()
	require.Len(t, f.plane.creates, 1)
	created := f.plane.creates[0]
	f.plane.mu.Unlock()
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, created["sourceFileName"])
	assert.Equal(t, "queued", created["status"])

	// presidioStats and delivery accounting on the final patches.
	f.plane.mu.Lock()
	var anonymizedPatch, deliveredPatch map[string]interface{}
	for _, patch := range f.plane.patches {
		switch patch["status"] {
		case "anonymized":
			anonymizedPatch = patch
		case "delivered":
			deliveredPatch = patch
		}
	}
	f.plane.mu.Unlock()
	require.NotNil(t, anonymizedPatch)
	stats := anonymizedPatch["presidioStats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["EMAIL_ADDRESS"])

	require.NotNil(t, deliveredPatch)
	assert.Equal(t, float64(1), deliveredPatch["deliveryTargetCount"])
	assert.Equal(t, float64(1), deliveredPatch["deliverySuccessCount"])
	assert.Equal(t, float64(0), deliveredPatch["deliveryFailureCount"])
	assert.Equal(t, float64(200), deliveredPatch["deliveryStatusCode"])
	assert.Contains(t, deliveredPatch, "durationMs")

	// Delivered payload: order preserved, PII gone, counters set.
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, delivered)
	messages := delivered["messages"].([]interface{})
	require.Len(t, messages, 2)
	first := messages[0].(map[string]interface{})
	second := messages[1].(map[string]interface{})
	assert.Equal(t, "my email is <EMAIL_ADDRESS>", first["content"])
	assert.Equal(t, float64(1), first["entities_found"])
	assert.Equal(t, "noted, thanks", second["content"])
	assert.Equal(t, float64(0), second["entities_found"])
	assert.Regexp(t, `^[0-9a-f]{64}$`, delivered["source_file_hash"])

	// Source file stays in place without a delete policy.
	_, err := os.Stat(path)
	assert.NoError(t, err)

	// Audit trail eventually holds the full milestone sequence.
	assert.Eventually(t, func() bool {
		events := f.plane.eventTypes()
		return contains(events, "file_detected") &&
			contains(events, "anonymize_started") &&
			contains(events, "anonymize_succeeded") &&
			contains(events, "delivery_started") &&
			contains(events, "delivery_succeeded")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoPersistedFieldContainsPII(t *testing.T) {
	f := newFixture(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()
	f.plane.mu.Lock()
	f.plane.targets = []map[string]interface{}{
		{"id": "t1", "name": "sink", "url": target.URL, "method": "POST", "enabled": true},
	}
	f.plane.mu.Unlock()

	path := f.writeFile(t, "pii-conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	// Give async audit appends a moment to land.
	time.Sleep(200 * time.Millisecond)

	f.plane.mu.Lock()
	defer f.plane.mu.Unlock()
	for _, records := range [][]map[string]interface{}{f.plane.creates, f.plane.patches, f.plane.logs} {
		for _, record := range records {
			raw, err := json.Marshal(record)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), piiEmail)
			assert.NotContains(t, string(raw), "pii-conversation")
		}
	}
}

func TestZeroEntityPassthrough(t *testing.T) {
	f := newFixture(t)

	var delivered map[string]interface{}
	var mu sync.Mutex
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&delivered)
	}))
	defer target.Close()
	f.plane.mu.Lock()
	f.plane.targets = []map[string]interface{}{
		{"id": "t1", "name": "sink", "url": target.URL, "method": "POST", "enabled": true},
	}
	f.plane.mu.Unlock()

	clean := `{"messages":[
		{"id":"m1","role":"user","content":"nothing sensitive here"},
		{"id":"m2","role":"assistant","content":"indeed"},
		{"id":"m3","role":"user","content":"bye"}
	]}`
	path := f.writeFile(t, "clean.json", clean)
	f.orchestrator.ProcessFile(context.Background(), path)

	mu.Lock()
	defer mu.Unlock()
	messages := delivered["messages"].([]interface{})
	require.Len(t, messages, 3)
	wantContents := []string{"nothing sensitive here", "indeed", "bye"}
	for i, m := range messages {
		msg := m.(map[string]interface{})
		assert.Equal(t, wantContents[i], msg["content"])
		assert.Equal(t, float64(0), msg["entities_found"])
	}
}

func TestInvalidSchemaFailsRun(t *testing.T) {
	f := newFixture(t)
	f.plane.mu.Lock()
	f.plane.runtime["deleteAfterFailure"] = true
	f.plane.mu.Unlock()

	path := f.writeFile(t, "broken.json", `{"messages":[{"role":"user","content":"no id"}]}`)
	f.orchestrator.ProcessFile(context.Background(), path)

	assert.Equal(t, []string{"processing", "failed"}, f.plane.statuses())
	last := f.plane.lastPatch()
	assert.Equal(t, "INVALID_SCHEMA", last["errorCode"])
	assert.NotEmpty(t, last["errorMessageSafe"])

	// deleteAfterFailure removes the source file.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.Eventually(t, func() bool {
		return contains(f.plane.eventTypes(), "run_failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnreadableFileKeptWithoutDeletePolicy(t *testing.T) {
	f := newFixture(t)

	// A directory with a .json name passes the stat and extension gates but
	// fails on read.
	path := filepath.Join(f.dir, "gone.json")
	require.NoError(t, os.Mkdir(path, 0o755))
	f.orchestrator.ProcessFile(context.Background(), path)

	assert.Equal(t, []string{"processing", "failed"}, f.plane.statuses())
	assert.Equal(t, "READ_ERROR", f.plane.lastPatch()["errorCode"])
}

func TestPresidioErrorFailsRun(t *testing.T) {
	f := newFixture(t)

	// Swap in an analyzer that always errors.
	f.presidioSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	assert.Equal(t, []string{"processing", "failed"}, f.plane.statuses())
	assert.Equal(t, "PRESIDIO_ERROR", f.plane.lastPatch()["errorCode"])
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDeliveryFailureAfterAttemptingAllTargets(t *testing.T) {
	f := newFixture(t)

	var calls []string
	var mu sync.Mutex
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, "good")
		mu.Unlock()
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, "bad")
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	f.plane.mu.Lock()
	f.plane.targets = []map[string]interface{}{
		{"id": "1", "name": "good", "url": good.URL, "method": "POST", "enabled": true},
		{"id": "2", "name": "bad", "url": bad.URL, "method": "POST", "enabled": true},
	}
	f.plane.mu.Unlock()

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	// Both targets were attempted, in configured order.
	mu.Lock()
	assert.Equal(t, []string{"good", "bad"}, calls)
	mu.Unlock()

	// One failing target fails the whole run, with partial accounting kept.
	last := f.plane.lastPatch()
	assert.Equal(t, "failed", last["status"])
	assert.Equal(t, "DELIVERY_ERROR", last["errorCode"])

	f.plane.mu.Lock()
	var counts map[string]interface{}
	for _, patch := range f.plane.patches {
		if _, ok := patch["deliveryFailureCount"]; ok {
			counts = patch
		}
	}
	f.plane.mu.Unlock()
	require.NotNil(t, counts)
	assert.Equal(t, float64(2), counts["deliveryTargetCount"])
	assert.Equal(t, float64(1), counts["deliverySuccessCount"])
	assert.Equal(t, float64(1), counts["deliveryFailureCount"])
}

func TestDeleteAfterSuccess(t *testing.T) {
	f := newFixture(t)
	f.plane.mu.Lock()
	f.plane.runtime["deleteAfterSuccess"] = true
	f.plane.mu.Unlock()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()
	f.plane.mu.Lock()
	f.plane.targets = []map[string]interface{}{
		{"id": "t1", "name": "sink", "url": target.URL, "method": "POST", "enabled": true},
	}
	f.plane.mu.Unlock()

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	statuses := f.plane.statuses()
	assert.Equal(t, "deleted", statuses[len(statuses)-1])
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.Eventually(t, func() bool {
		return contains(f.plane.eventTypes(), "cleanup_deleted")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoTargetsStillDelivers(t *testing.T) {
	f := newFixture(t)

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	last := f.plane.lastPatch()
	assert.Equal(t, "delivered", last["status"])
	assert.Equal(t, float64(0), last["deliveryTargetCount"])
	// No call was made, so no status code is recorded.
	assert.NotContains(t, last, "deliveryStatusCode")
}

func TestLegacyFallbackTarget(t *testing.T) {
	log, _ := logger.New("test", logger.Options{Format: logger.JSONLogFormat})

	var gotAuth string
	var mu sync.Mutex
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
	}))
	defer legacy.Close()

	f := newFixture(t)
	engine := delivery.New(&delivery.Config{
		HostAlias:        "",
		DefaultTimeout:   5 * time.Second,
		LegacyURL:        legacy.URL,
		LegacyAuthHeader: "Bearer legacy-secret",
	}, log, nil)
	f.orchestrator.engine = engine

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	assert.Equal(t, "delivered", f.plane.lastPatch()["status"])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer legacy-secret", gotAuth)
}

func TestSkipsBeforeRunCreation(t *testing.T) {
	f := newFixture(t)
	f.plane.mu.Lock()
	f.plane.runtime["maxFileSizeBytes"] = 10
	f.plane.mu.Unlock()

	// Wrong extension.
	txt := f.writeFile(t, "notes.txt", "plain text")
	f.orchestrator.ProcessFile(context.Background(), txt)

	// Oversized.
	big := f.writeFile(t, "big.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), big)

	f.plane.mu.Lock()
	defer f.plane.mu.Unlock()
	assert.Empty(t, f.plane.creates)
	assert.Empty(t, f.plane.patches)

	// Skipped files stay in place.
	_, err := os.Stat(txt)
	assert.NoError(t, err)
	_, err = os.Stat(big)
	assert.NoError(t, err)
}

func TestAnalysisForwarding(t *testing.T) {
	f := newFixture(t)

	var (
		mu       sync.Mutex
		paths    []string
		apiKeys  []string
		payloads []map[string]interface{}
	)
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		apiKeys = append(apiKeys, r.Header.Get("X-API-Key"))
		payloads = append(payloads, body)
		mu.Unlock()
	}))
	defer sidecar.Close()

	f.plane.mu.Lock()
	f.plane.runtime["analysisServiceUrl"] = sidecar.URL
	f.plane.runtime["analysisServiceApiKey"] = "analysis-key"
	f.plane.runtime["analysisServiceSentimentEnabled"] = true
	f.plane.runtime["analysisServiceToxicityEnabled"] = true
	f.plane.mu.Unlock()

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.Contains(t, paths, "/api/v1/analysis/sentiment")
	assert.Contains(t, paths, "/api/v1/analysis/toxicity")
	assert.Equal(t, "analysis-key", apiKeys[0])

	messages := payloads[0]["messages"].([]interface{})
	require.NotEmpty(t, messages)
	first := messages[0].(map[string]interface{})
	// Outward analysis payload strips internal fields.
	assert.NotContains(t, first, "id")
	assert.NotContains(t, first, "entities_found")
	assert.Equal(t, "my email is <EMAIL_ADDRESS>", first["content"])
	assert.Regexp(t, `^[0-9a-f]{64}$`, payloads[0]["conversationId"])
}

func TestAnalysisFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()

	f.plane.mu.Lock()
	f.plane.runtime["analysisServiceUrl"] = down.URL
	f.plane.runtime["analysisServiceApiKey"] = "key"
	f.plane.runtime["analysisServiceSentimentEnabled"] = true
	f.plane.mu.Unlock()

	path := f.writeFile(t, "conversation.json", validLog)
	f.orchestrator.ProcessFile(context.Background(), path)

	assert.Equal(t, "delivered", f.plane.lastPatch()["status"])
}

func TestInflightDedup(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.orchestrator.acquire("/some/file.json"))
	assert.False(t, f.orchestrator.acquire("/some/file.json"))
	assert.Equal(t, 1, f.orchestrator.InflightCount())

	// A different path is unaffected.
	assert.True(t, f.orchestrator.acquire("/other/file.json"))

	f.orchestrator.release("/some/file.json")
	assert.True(t, f.orchestrator.acquire("/some/file.json"))
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
