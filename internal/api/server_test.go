package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vidmesh/sentinel/internal/config"
	"github.com/vidmesh/sentinel/internal/detector"
	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/gc"
	"github.com/vidmesh/sentinel/internal/launcher"
	"github.com/vidmesh/sentinel/internal/registry"
	"github.com/vidmesh/sentinel/internal/relay"
	"github.com/vidmesh/sentinel/internal/store"
)

// unreachableS3 fails the bucket probe so the collector stays disabled.
type unreachableS3 struct{}

func (unreachableS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return nil, errors.New("unreachable")
}

func (unreachableS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("unreachable")
}

func (unreachableS3) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return nil, errors.New("unreachable")
}

func (unreachableS3) DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return nil, errors.New("unreachable")
}

func (unreachableS3) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, errors.New("unreachable")
}

type testEnv struct {
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	registry *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	st, err := store.NewRedisStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, nil)
	gcc := gc.New(context.Background(), unreachableS3{}, gc.Options{Bucket: "recordings"})
	l := launcher.New(config.BackupConfig{
		Image:      "vidmesh/recorder",
		Tag:        "latest",
		NamePrefix: "backup-recorder",
		SocketPath: "/nonexistent/docker.sock",
	}, "sentinel-test", reg)
	det := detector.New(detector.Config{
		Enabled:         true,
		HeartbeatPeriod: time.Second,
		ChunkPeriod:     2 * time.Second,
		MaxMissed:       3,
		CheckInterval:   15 * time.Second,
	}, reg, l)
	rel := relay.New(config.RelayConfig{
		Enabled: true, // no URL: disabled mode
		Pool:    config.RelayPoolConfig{Core: 1, Max: 2, Queue: 4},
	}, "sentinel-test", reg)
	t.Cleanup(func() { rel.Shutdown(time.Second) })

	h := &Handler{
		Store:    st,
		Registry: reg,
		Detector: det,
		Launcher: l,
		GC:       gcc,
		Relay:    rel,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mr: mr, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) register(t *testing.T, id string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/sessions", map[string]string{
		"id": id, "client_id": "client-1", "client_host": "10.0.0.5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", id, resp.StatusCode, body)
	}
}

func TestRegisterSession(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/sessions", map[string]string{
		"id": "ses_1", "client_id": "client-1", "client_host": "10.0.0.5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var got sessionResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "ses_1" || got.Status != "STARTING" || !got.Active {
		t.Errorf("session = %+v", got)
	}
	if _, err := time.Parse(domain.TimeFormat, got.CreatedAt); err != nil {
		t.Errorf("created_at %q not in display format: %v", got.CreatedAt, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)

	cases := []map[string]string{
		{"client_id": "c"},
		{"id": "x"},
	}
	for _, body := range cases {
		resp, _ := e.do(t, http.MethodPost, "/sessions", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}

	e.register(t, "dup")
	resp, _ := e.do(t, http.MethodPost, "/sessions", map[string]string{"id": "dup", "client_id": "c"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
}

func TestHeartbeatAndChunk(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_1")

	resp, _ := e.do(t, http.MethodPost, "/sessions/ses_1/heartbeat", map[string]string{"last_chunk": "0003.mp4"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}

	_, body := e.do(t, http.MethodGet, "/sessions/ses_1", nil)
	var got sessionResponse
	json.Unmarshal(body, &got)
	if got.LastChunk != "0003.mp4" {
		t.Errorf("last_chunk = %q", got.LastChunk)
	}

	// No body is a plain liveness ping.
	resp, _ = e.do(t, http.MethodPost, "/sessions/ses_1/heartbeat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bodyless heartbeat status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/sessions/ghost/heartbeat", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session heartbeat status = %d, want 404", resp.StatusCode)
	}
}

func TestSetStatus(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_1")

	resp, _ := e.do(t, http.MethodPut, "/sessions/ses_1/status", map[string]string{"status": "RECORDING"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPut, "/sessions/ses_1/status", map[string]string{"status": "DANCING"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid enum status = %d, want 400", resp.StatusCode)
	}

	// Terminal status retires the session from the active index.
	e.do(t, http.MethodPut, "/sessions/ses_1/status", map[string]string{"status": "FAILED"})
	_, body := e.do(t, http.MethodGet, "/sessions?state=active", nil)
	var active []sessionResponse
	json.Unmarshal(body, &active)
	if len(active) != 0 {
		t.Errorf("active sessions = %v, want none after FAILED", active)
	}
}

func TestStopAndRecordingPath(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_1")

	resp, _ := e.do(t, http.MethodPut, "/sessions/ses_1/path", map[string]string{"recording_path": "/rec/ses_1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set path status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/sessions/ses_1/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	_, body := e.do(t, http.MethodGet, "/sessions/ses_1", nil)
	var got sessionResponse
	json.Unmarshal(body, &got)
	if got.Status != "COMPLETED" || got.Active {
		t.Errorf("session after stop = %+v", got)
	}
	if got.RecordingPath != "/rec/ses_1" {
		t.Errorf("recording_path = %q", got.RecordingPath)
	}
}

func TestRemoveAndExists(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_1")

	_, body := e.do(t, http.MethodGet, "/sessions/ses_1/exists", nil)
	var exists map[string]bool
	json.Unmarshal(body, &exists)
	if !exists["exists"] {
		t.Error("exists = false before remove")
	}

	resp, _ := e.do(t, http.MethodDelete, "/sessions/ses_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/sessions/ses_1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after remove = %d, want 404", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodDelete, "/sessions/ses_1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second remove = %d, want 404", resp.StatusCode)
	}
}

func TestListAndStats(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "a")
	e.register(t, "b")
	e.do(t, http.MethodPut, "/sessions/b/status", map[string]string{"status": "COMPLETED"})

	_, body := e.do(t, http.MethodGet, "/sessions/stats", nil)
	var stats map[string]int64
	json.Unmarshal(body, &stats)
	if stats["active"] != 1 || stats["inactive"] != 1 || stats["total"] != 2 {
		t.Errorf("stats = %v", stats)
	}

	_, body = e.do(t, http.MethodGet, "/sessions?state=inactive", nil)
	var inactive []sessionResponse
	json.Unmarshal(body, &inactive)
	if len(inactive) != 1 || inactive[0].ID != "b" {
		t.Errorf("inactive = %v", inactive)
	}

	resp, _ := e.do(t, http.MethodGet, "/sessions?state=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad state filter = %d, want 400", resp.StatusCode)
	}
}

func TestFailoverEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_1")

	// Fresh heartbeat: the manual pass flags nothing.
	resp, body := e.do(t, http.MethodPost, "/failover/check", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d", resp.StatusCode)
	}
	var check map[string]int
	json.Unmarshal(body, &check)
	if check["flagged"] != 0 {
		t.Errorf("flagged = %d, want 0", check["flagged"])
	}

	resp, body = e.do(t, http.MethodGet, "/failover/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	var st struct {
		Detector detector.Status `json:"detector"`
		Launcher launcher.Status `json:"launcher"`
	}
	json.Unmarshal(body, &st)
	if !st.Detector.Enabled || st.Launcher.Initialized {
		t.Errorf("failover status = %s", body)
	}

	resp, _ = e.do(t, http.MethodDelete, "/failover/backups/ses_1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop untracked backup = %d, want 404", resp.StatusCode)
	}

	_, body = e.do(t, http.MethodGet, "/failover/backups", nil)
	var backups []launcher.Backup
	json.Unmarshal(body, &backups)
	if len(backups) != 0 {
		t.Errorf("backups = %v", backups)
	}
}

func TestGCEndpoints(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.do(t, http.MethodGet, "/gc/status", nil)
	var st gc.Status
	json.Unmarshal(body, &st)
	if st.Enabled {
		t.Error("collector must be disabled against unreachable bucket")
	}

	resp, _ := e.do(t, http.MethodPost, "/gc/sweep", map[string]any{"ids": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty sweep = %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/gc/sweep", map[string]any{"ids": []string{"a", "b"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("sweep = %d, want 200", resp.StatusCode)
	}
}

func TestWebhookShortcutMarksSessionStopping(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "ses_4")

	resp, body := e.do(t, http.MethodPost, "/webhook", map[string]string{
		"id": "ses_4", "status": "stopped",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}
	var ack relay.Ack
	json.Unmarshal(body, &ack)
	if ack.Status != "disabled" {
		t.Errorf("ack = %+v, want disabled (no receiver configured)", ack)
	}

	sess, err := e.registry.Get(context.Background(), "ses_4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != domain.StatusStopping {
		t.Errorf("status = %s, want STOPPING", sess.Status)
	}
}

func TestWebhookStatusProbe(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/webhook", "/webhook/status"} {
		resp, body := e.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
		var st relay.Status
		if err := json.Unmarshal(body, &st); err != nil {
			t.Fatalf("GET %s decode: %v", path, err)
		}
		if st.Enabled {
			t.Errorf("GET %s: relay must report disabled", path)
		}
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}

	e.mr.Close()
	resp, _ = e.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health with store down = %d, want 503", resp.StatusCode)
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "s1")

	for i := 1; i <= 3; i++ {
		chunk := fmt.Sprintf("%04d.mp4", i)
		resp, _ := e.do(t, http.MethodPost, "/sessions/s1/heartbeat", map[string]string{"last_chunk": chunk})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("heartbeat %s = %d", chunk, resp.StatusCode)
		}
	}

	e.do(t, http.MethodPut, "/sessions/s1/status", map[string]string{"status": "COMPLETED"})
	e.do(t, http.MethodDelete, "/sessions/s1", nil)

	resp, _ := e.do(t, http.MethodGet, "/sessions/s1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after lifecycle = %d, want 404", resp.StatusCode)
	}
	_, body := e.do(t, http.MethodGet, "/sessions", nil)
	var all []sessionResponse
	json.Unmarshal(body, &all)
	if len(all) != 0 {
		t.Errorf("sessions after removal = %v", all)
	}
}
