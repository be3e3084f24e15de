package control

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-ingestd/internal/assembler"
	"github.com/dsa110/contimg-ingestd/internal/config"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
	"github.com/dsa110/contimg-ingestd/internal/queuestore"
	"github.com/dsa110/contimg-ingestd/internal/registry"
	"github.com/dsa110/contimg-ingestd/internal/testutil"
)

type fakeScheduler struct {
	paused bool
	manual []string
}

func (f *fakeScheduler) Pause(reason string) bool {
	if f.paused {
		return false
	}
	f.paused = true
	return true
}

func (f *fakeScheduler) Resume() bool {
	if !f.paused {
		return false
	}
	f.paused = false
	return true
}

func (f *fakeScheduler) SubmitManual(groupID string) { f.manual = append(f.manual, groupID) }
func (f *fakeScheduler) IsPaused() bool               { return f.paused }
func (f *fakeScheduler) WorkerStats() (busy, idle int) { return 0, 1 }

func newTestServer(t *testing.T) (*Server, queuestore.Store, registry.Registry, *fakeScheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	store := queuestore.New(db, nil)
	hub := eventhub.New(nil, nil)
	reg := registry.New(db, nil, hub, registry.DefaultPolicy(t.TempDir()), 3)
	sched := &fakeScheduler{}
	asm := assembler.New(nil, store, hub, 4, 2, time.Minute)
	s := New(nil, nil, store, reg, hub, sched, asm, nil)
	return s, store, reg, sched
}

func TestGetStatusReportsGroupCounts(t *testing.T) {
	s, store, _, _ := newTestServer(t)
	_, err := store.CreateOrTouch(t.Context(), "g1", 4)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"collecting":1`)
}

func TestPostGroupResetRequiresFailedState(t *testing.T) {
	s, store, _, _ := newTestServer(t)
	_, err := store.CreateOrTouch(t.Context(), "g1", 4)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/groups/g1/reset", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestPostGroupResetSucceedsAndSubmitsManual(t *testing.T) {
	s, store, _, sched := newTestServer(t)
	_, err := store.CreateOrTouch(t.Context(), "g1", 4)
	require.NoError(t, err)
	_, err = store.SetState(t.Context(), "g1", "pending", "")
	require.NoError(t, err)
	_, err = store.SetState(t.Context(), "g1", "failed", "boom")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/groups/g1/reset", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, sched.manual, "g1")
}

func TestProductPublishRoundTrip(t *testing.T) {
	s, _, reg, _ := newTestServer(t)
	tmp := t.TempDir()
	stagePath := filepath.Join(tmp, "out.ms")
	require.NoError(t, os.WriteFile(stagePath, []byte("data"), 0o644))

	dataID, err := reg.Register(t.Context(), "g1", "ms", stagePath, nil)
	require.NoError(t, err)
	_, err = reg.Finalize(t.Context(), dataID, "pass", "pass")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/products/"+dataID+"/publish", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	// Re-publishing an already-published product is a no-op success, not a
	// conflict (§8 idempotency property).
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/products/"+dataID+"/publish", nil)
	s.Engine().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"Published":true`)
}

func TestPostGroupResetOnCollectingGroupReturnsConflict(t *testing.T) {
	s, store, _, _ := newTestServer(t)
	_, err := store.CreateOrTouch(t.Context(), "g1", 4)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/groups/g1/reset", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedulerStartStopIsIdempotent(t *testing.T) {
	s, _, _, sched := newTestServer(t)
	sched.paused = true

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scheduler/start", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"started":true`)

	rec2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/scheduler/start", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"started":false`)
}

func TestGetStatusIncludesWorkersAndUptime(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workers":{`)
	assert.Contains(t, rec.Body.String(), `"uptime_s":`)
	assert.Contains(t, rec.Body.String(), `"watcher":{`)
}

func TestPostPointingThenGetGroupReturnsSamples(t *testing.T) {
	s, store, _, _ := newTestServer(t)
	_, err := store.CreateOrTouch(t.Context(), "g1", 4)
	require.NoError(t, err)

	body := strings.NewReader(`{"ra_deg": 10.5, "dec_deg": -5.25}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pointings", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/groups/g1", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"pointings"`)
}

func TestGetPublishFailedAndRetryAllShapes(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/publish/failed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
	assert.Contains(t, rec.Body.String(), `"failed_publishes"`)

	rec2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/publish/retry-all", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"attempted":0`)
	assert.Contains(t, rec2.Body.String(), `"successful":0`)
	assert.Contains(t, rec2.Body.String(), `"failed":0`)
}

func TestGetConfigReturnsEffectiveConfig(t *testing.T) {
	s, store, reg, sched := newTestServer(t)
	_ = store
	_ = reg
	_ = sched

	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"input_dir: /data/in\nstaging_dir: /data/staging\npublished_dir: /data/published\n"+
			"queue_db_path: /data/queue.db\nregistry_db_path: /data/registry.db\n"), 0o644))
	loader, err := config.NewLoader(path)
	require.NoError(t, err)
	s.loader = loader

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"input_dir":"/data/in"`)
}
