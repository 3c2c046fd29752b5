package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/registry"
	"github.com/tripwire/logmanager/internal/session"
	"github.com/tripwire/logmanager/internal/tailer"
	"github.com/tripwire/logmanager/internal/watcher"
)

const base = DefaultBaseURI + "/logManager"

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10, // suppress all output
	}))
}

// fakeHistory is a test double for History.
type fakeHistory struct {
	entries []journal.Entry
	err     error
	last    journal.Query
}

func (f *fakeHistory) Recent(_ context.Context, q journal.Query) ([]journal.Entry, error) {
	f.last = q
	return f.entries, f.err
}

type testEnv struct {
	reg     *registry.Registry
	history *fakeHistory
	handler http.Handler
}

// newTestEnv wires a real registry and session controller behind the router.
// Follow-mode reads poll so they do not depend on inotify.
func newTestEnv(t *testing.T, opts ...session.Option) *testEnv {
	t.Helper()
	reg := registry.New(noopLogger())
	t.Cleanup(func() { _ = reg.ShutdownAll(context.Background()) })

	ctrl := session.NewController(reg, tailer.NewFileProducer(true), noopLogger(), opts...)
	hist := &fakeHistory{}
	srv := NewServer(reg, ctrl, noopLogger(), WithHistory(hist))
	return &testEnv{reg: reg, history: hist, handler: NewRouter(srv, nil)}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, dir string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, base+"/logDir", fmt.Sprintf(`{"logDir":%q}`, dir))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", dir, rec.Code, rec.Body.String())
	}
}

func writeLines(t *testing.T, path string, n int) {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	return body["message"]
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- POST /logManager/logDir ------------------------------------------------

func TestHandleRegister_Created(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()

	rec := e.do(t, http.MethodPost, base+"/logDir",
		fmt.Sprintf(`{"logDir":%q,"maxNumberActiveFiles":3,"retentionDays":7}`, dir))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != base+"/logDir"+dir {
		t.Errorf("Location = %q, want %q", loc, base+"/logDir"+dir)
	}
	var st watcher.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.LogDir != dir || st.MaxNumberActiveFiles != 3 || st.RetentionDays != 7 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleRegister_AlreadyRegistered_Returns200(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	e.register(t, dir)

	rec := e.do(t, http.MethodPost, base+"/logDir", fmt.Sprintf(`{"logDir":%q}`, dir))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestHandleRegister_InvalidPayload_Returns400(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()

	cases := map[string]string{
		"not json":          `{`,
		"relative dir":      `{"logDir":"var/log"}`,
		"root only":         `{"logDir":"/"}`,
		"zero max files":    fmt.Sprintf(`{"logDir":%q,"maxNumberActiveFiles":0}`, dir),
		"negative days":     fmt.Sprintf(`{"logDir":%q,"retentionDays":-2}`, dir),
		"unknown field":     fmt.Sprintf(`{"logDir":%q,"bogus":true}`, dir),
		"unknown log level": fmt.Sprintf(`{"logDir":%q,"logLevel":"LOUD"}`, dir),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, base+"/logDir", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if paths := e.reg.ListPaths(); len(paths) != 0 {
		t.Errorf("registry mutated by invalid requests: %v", paths)
	}
}

func TestHandleRegister_MissingDirectory_Returns400(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(t.TempDir(), "absent")
	rec := e.do(t, http.MethodPost, base+"/logDir", fmt.Sprintf(`{"logDir":%q}`, dir))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- PUT /logManager/logDir -------------------------------------------------

func TestHandleReplace(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()

	rec := e.do(t, http.MethodPut, base+"/logDir", fmt.Sprintf(`{"logDir":%q,"retentionDays":2}`, dir))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("replace unmanaged: expected 404, got %d", rec.Code)
	}

	e.register(t, dir)
	rec = e.do(t, http.MethodPut, base+"/logDir", fmt.Sprintf(`{"logDir":%q,"retentionDays":2}`, dir))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st watcher.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RetentionDays != 2 || !st.Running {
		t.Errorf("status after replace = %+v", st)
	}
}

// ---- GET/DELETE /logManager/logDir/{logDir*} --------------------------------

func TestHandleInfo_NotManaged_Returns404WithMessage(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, base+"/logDir/not/registered", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "log dir is not managed : /not/registered" {
		t.Errorf("message = %q", msg)
	}
}

func TestHandleInfo_Returns200(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/logDir"+dir, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"logDir", "watchEventCount", "logFilesTailed", "startedAt"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status body missing %q: %v", key, body)
		}
	}
}

func TestHandleUnregister(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	e.register(t, dir)

	rec := e.do(t, http.MethodDelete, base+"/logDir"+dir, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, base+"/logDir"+dir, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
}

// ---- GET /logManager/logDirs ------------------------------------------------

func TestHandleListDirs(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, base+"/logDirs", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty registry body = %q, want []", rec.Body.String())
	}

	dir := t.TempDir()
	e.register(t, dir)
	rec = e.do(t, http.MethodGet, base+"/logDirs", "")
	var dirs []string
	if err := json.NewDecoder(rec.Body).Decode(&dirs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dirs) != 1 || dirs[0] != dir {
		t.Errorf("logDirs = %v, want [%s]", dirs, dir)
	}
}

// ---- GET /logManager/ls/{logDir*} -------------------------------------------

func TestHandleListFiles(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "b.log"), 2)
	writeLines(t, filepath.Join(dir, "a.log"), 1)
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/ls"+dir, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []watcher.FileEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].FileName != "a.log" || entries[1].FileName != "b.log" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Stats.Size != int64(len("line 1\nline 2\n")) {
		t.Errorf("b.log size = %d", entries[1].Stats.Size)
	}

	rec = e.do(t, http.MethodGet, base+"/ls/not/registered", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unmanaged ls: expected 404, got %d", rec.Code)
	}
}

func TestHandleListFiles_RemovedDirectory_Returns500(t *testing.T) {
	e := newTestEnv(t)
	root := t.TempDir()
	dir := filepath.Join(root, "logs")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	e.register(t, dir)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, base+"/ls"+dir, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// ---- GET /logManager/tail and /head ----------------------------------------

func TestHandleTail_LastFiveLines(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeLines(t, path, 20)
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/tail"+path+"?n=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := "line 16\nline 17\nline 18\nline 19\nline 20\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if tr := rec.Result().Trailer.Get(StreamErrorTrailer); tr != "" {
		t.Errorf("unexpected stream error trailer %q", tr)
	}
}

func TestHandleTail_DefaultTenLines(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeLines(t, path, 30)
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/tail"+path, "")
	if got := strings.Count(rec.Body.String(), "\n"); got != 10 {
		t.Errorf("delivered %d lines, want 10", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "line 21\n") {
		t.Errorf("body starts %q, want line 21", rec.Body.String())
	}
}

func TestHandleHead_FirstLines(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeLines(t, path, 20)
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/head"+path+"?n=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "line 1\nline 2\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleRead_BadParameters_Returns400(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeLines(t, path, 3)
	e.register(t, dir)

	cases := []string{
		base + "/tail" + path + "?n=0",
		base + "/tail" + path + "?n=-3",
		base + "/tail" + path + "?n=ten",
		base + "/tail" + path + "?f=maybe",
		base + "/head" + path + "?n=0",
		base + "/head" + path + "?f=true",
	}
	for _, target := range cases {
		rec := e.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestHandleRead_NotFoundMessagesAreDistinct(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	e.register(t, dir)

	rec := e.do(t, http.MethodGet, base+"/tail/not/registered/a.log", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unmanaged dir: expected 404, got %d", rec.Code)
	}
	dirMsg := decodeMessage(t, rec)

	rec = e.do(t, http.MethodGet, base+"/head"+dir+"/missing.log", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file: expected 404, got %d", rec.Code)
	}
	fileMsg := decodeMessage(t, rec)

	if dirMsg != "log dir is not managed : /not/registered" {
		t.Errorf("dir message = %q", dirMsg)
	}
	if dirMsg == fileMsg {
		t.Errorf("not-managed and file-not-found share message %q", dirMsg)
	}
}

func TestHandleTail_FollowStreamsUntilUnregistered(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, 3)
	e.register(t, dir)

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + base + "/tail" + path + "?n=1&f=true")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	next := func() string {
		t.Helper()
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			return l
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a line")
		}
		return ""
	}

	if got := next(); got != "line 3" {
		t.Fatalf("first line = %q, want line 3", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("line 4\n")
	_ = f.Close()

	if got := next(); got != "line 4" {
		t.Fatalf("appended line = %q, want line 4", got)
	}

	st, _ := e.reg.Info(dir)
	if len(st.LogFilesTailed) != 1 || st.LogFilesTailed[0] != path {
		t.Errorf("logFilesTailed = %v, want [%s]", st.LogFilesTailed, path)
	}

	if rec := e.do(t, http.MethodDelete, base+"/logDir"+dir, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unregister: expected 204, got %d", rec.Code)
	}

	select {
	case _, ok := <-lines:
		for ok {
			_, ok = <-lines
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow stream did not end after unregister")
	}
	if tr := resp.Trailer.Get(StreamErrorTrailer); tr == "" {
		t.Error("expected stream error trailer after cancellation")
	}
}

// TestHandleHeadAndTail_MoreLinesThanQueue verifies that bounded reads larger
// than the stream queue are delivered in full to a real HTTP client.
func TestHandleHeadAndTail_MoreLinesThanQueue(t *testing.T) {
	const maxPending = 64
	e := newTestEnv(t, session.WithMaxPending(maxPending))
	dir := t.TempDir()
	e.register(t, dir)
	path := filepath.Join(dir, "big.log")
	writeLines(t, path, 20000)

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	want := func(from, to int) string {
		var b strings.Builder
		for i := from; i <= to; i++ {
			fmt.Fprintf(&b, "line %d\n", i)
		}
		return b.String()
	}

	tests := []struct {
		route string
		want  string
	}{
		{"/head", want(1, 15000)},
		{"/tail", want(5001, 20000)},
	}
	for _, tc := range tests {
		t.Run(tc.route, func(t *testing.T) {
			resp, err := http.Get(ts.URL + base + tc.route + path + "?n=15000")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if got := string(body); got != tc.want {
				t.Errorf("delivered %d lines, want 15000", strings.Count(got, "\n"))
			}
			if tr := resp.Trailer.Get(StreamErrorTrailer); tr != "" {
				t.Errorf("unexpected stream error trailer %q", tr)
			}
		})
	}
}

func TestHandleTail_FollowAboveQueueBound(t *testing.T) {
	e := newTestEnv(t, session.WithMaxPending(8))
	dir := t.TempDir()
	e.register(t, dir)
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, 20)

	rec := e.do(t, http.MethodGet, base+"/tail"+path+"?n=9&f=true", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- POST /logManager/deleteInactiveFiles -----------------------------------

func TestHandleDeleteInactiveFiles(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	e.register(t, dir)

	rec := e.do(t, http.MethodPost, base+"/deleteInactiveFiles"+dir, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, base+"/deleteInactiveFiles/not/registered", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- GET /logManager/journal ------------------------------------------------

func TestHandleJournal(t *testing.T) {
	e := newTestEnv(t)
	e.history.entries = []journal.Entry{{ID: 2, Kind: journal.KindRegistered, LogDir: "/var/log/a"}}

	rec := e.do(t, http.MethodGet, base+"/journal?logDir=/var/log/a/&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if e.history.last.LogDir != "/var/log/a" || e.history.last.Limit != 5 {
		t.Errorf("query = %+v", e.history.last)
	}
	var got []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Kind != journal.KindRegistered {
		t.Errorf("entries = %+v", got)
	}
}

func TestHandleJournal_InvalidLimit_Returns400(t *testing.T) {
	e := newTestEnv(t)
	for _, limit := range []string{"0", "-1", "abc"} {
		rec := e.do(t, http.MethodGet, base+"/journal?limit="+limit, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, rec.Code)
		}
	}
}

func TestHandleJournal_Empty_ReturnsEmptyArray(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, base+"/journal", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}
