package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/overseer/internal/bus"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseFields(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyFile, []byte("-----BEGIN KEY-----\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    map[string]string
		wantErr bool
	}{
		{name: "pairs", args: []string{"user=deploy", "port=22"}, want: map[string]string{"user": "deploy", "port": "22"}},
		{name: "value with equals", args: []string{"token=a=b"}, want: map[string]string{"token": "a=b"}},
		{name: "stdin", args: []string{"password=-"}, stdin: "hunter2\n", want: map[string]string{"password": "hunter2"}},
		{name: "file", args: []string{"private_key=@" + keyFile}, want: map[string]string{"private_key": "-----BEGIN KEY-----\n"}},
		{name: "missing equals", args: []string{"hunter2"}, wantErr: true},
		{name: "empty key", args: []string{"=x"}, wantErr: true},
		{name: "empty value", args: []string{"user="}, wantErr: true},
		{name: "duplicate", args: []string{"user=a", "user=b"}, wantErr: true},
		{name: "stdin twice", args: []string{"a=-", "b=-"}, stdin: "x", wantErr: true},
		{name: "missing file", args: []string{"k=@" + filepath.Join(t.TempDir(), "nope")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.args, strings.NewReader(tt.stdin))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", map[string]string(got))
				}
				if strings.Contains(err.Error(), "hunter2") {
					t.Fatalf("error leaks the value: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fields, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("field %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{":8080", "http://127.0.0.1:8080"},
		{"[::1]:9000", "http://[::1]:9000"},
		{"https://ops.example.com/", "https://ops.example.com"},
	}
	for _, tt := range tests {
		if got := serverURL(tt.in); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopbackBind(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:18790", true},
		{"localhost:18790", true},
		{"[::1]:18790", true},
		{"0.0.0.0:18790", false},
		{"10.0.0.5:18790", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackBind(tt.addr); got != tt.want {
			t.Errorf("isLoopbackBind(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestReadSSE(t *testing.T) {
	stream := ": keepalive\n\n" +
		"id: 1\nevent: worker_started\ndata: {\"run_id\":\"r\",\"seq\":1,\"type\":\"worker_started\",\"worker_id\":\"w1\"}\n\n" +
		"id: 2\nevent: supervisor_complete\ndata: {\"run_id\":\"r\",\"seq\":2,\"type\":\"supervisor_complete\"}\n\n"
	var got []bus.Event
	err := readSSE(strings.NewReader(stream), func(ev bus.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].WorkerID != "w1" || got[1].Type != bus.TypeSupervisorComplete {
		t.Fatalf("events = %+v", got)
	}

	stop := errors.New("stop")
	err = readSSE(strings.NewReader(stream), func(bus.Event) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want callback error", err)
	}
}

func TestPrinterTable(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.table([]string{"WORKER", "STATUS"}, [][]string{
		{"w-1", "success"},
		{"w-long-id", "failed"},
	})
	want := "WORKER     STATUS\n" +
		"w-1        success\n" +
		"w-long-id  failed\n"
	if buf.String() != want {
		t.Fatalf("table =\n%s\nwant\n%s", buf.String(), want)
	}
}

// sseDaemon serves a dispatch endpoint and a canned event stream.
func sseDaemon(t *testing.T, final map[string]any) (*httptest.Server, *string) {
	t.Helper()
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["task"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"task is required"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"run_id":"run-1","thread_id":"t-1","status":"queued","stream_url":"/api/v1/runs/run-1/events"}`))
	})
	mux.HandleFunc("GET /api/v1/runs/run-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []bus.Event{
			{RunID: "run-1", Seq: 1, Type: bus.TypeWorkerStarted, WorkerID: "w-1", Payload: map[string]any{"task": "check disk"}},
			{RunID: "run-1", Seq: 2, Type: bus.TypeWorkerComplete, WorkerID: "w-1", Payload: map[string]any{"status": "success", "duration_ms": 2000}},
			{RunID: "run-1", Seq: 3, Type: bus.TypeSupervisorComplete, Payload: final},
		}
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &auth
}

func TestDispatchFollowsRun(t *testing.T) {
	t.Setenv("OVERSEER_API_KEY", "k-ops")
	ts, auth := sseDaemon(t, map[string]any{"status": "success", "result": "Filesystem 78% used"})

	out, err := runCLI(t, "", "dispatch", "--server", ts.URL, "check", "disk", "on", "web-1")
	if err != nil {
		t.Fatalf("dispatch: %v\n%s", err, out)
	}
	for _, want := range []string{"run-1", "worker_started", "success in 2s", "Filesystem 78% used"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if got := *auth; got != "Bearer k-ops" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestDispatchReportsFailedRun(t *testing.T) {
	ts, _ := sseDaemon(t, map[string]any{"status": "failed", "error": "turn limit reached"})

	out, err := runCLI(t, "", "dispatch", "--server", ts.URL, "restart", "nginx")
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("err = %v, want errRunFailed", err)
	}
	if !strings.Contains(out, "error: turn limit reached") {
		t.Fatalf("output missing error:\n%s", out)
	}
}

func TestDispatchDetach(t *testing.T) {
	ts, _ := sseDaemon(t, nil)
	out, err := runCLI(t, "", "dispatch", "--server", ts.URL, "--detach", "uptime")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "run run-1 accepted") || strings.Contains(out, "worker_started") {
		t.Fatalf("output = %q", out)
	}
}

func TestCredentialsLifecycle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OVERSEER_HOME", home)

	out, err := runCLI(t, "s3cret-pass\n", "--owner", "alice", "credentials", "put", "ssh", "user=deploy", "password=-")
	if err != nil {
		t.Fatalf("put: %v\n%s", err, out)
	}
	if strings.Contains(out, "s3cret-pass") {
		t.Fatalf("put output leaks the value: %q", out)
	}
	db, err := os.ReadFile(filepath.Join(home, "overseer.db"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(db, []byte("s3cret-pass")) {
		t.Fatal("credential stored in plaintext")
	}
	if _, err := os.Stat(filepath.Join(home, "identity.age")); err != nil {
		t.Fatalf("identity not created: %v", err)
	}

	out, err = runCLI(t, "", "--owner", "alice", "credentials", "list")
	if err != nil || strings.TrimSpace(out) != "ssh" {
		t.Fatalf("list = %q, %v", out, err)
	}
	out, err = runCLI(t, "", "--owner", "bob", "credentials", "list")
	if err != nil || strings.TrimSpace(out) != "" {
		t.Fatalf("bob sees alice's connectors: %q, %v", out, err)
	}

	if _, err := runCLI(t, "", "--owner", "alice", "credentials", "delete", "ssh"); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "", "--owner", "alice", "credentials", "list")
	if err != nil || strings.TrimSpace(out) != "" {
		t.Fatalf("list after delete = %q, %v", out, err)
	}
}

func TestWorkersListEmptyHome(t *testing.T) {
	t.Setenv("OVERSEER_HOME", t.TempDir())
	out, err := runCLI(t, "", "workers", "list")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "WORKER  STATUS  DURATION  CREATED  SUMMARY" {
		t.Fatalf("output = %q", out)
	}
	if _, err := runCLI(t, "", "workers", "get", "nope"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestBackupRefusesExistingDest(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OVERSEER_HOME", home)
	dest := filepath.Join(t.TempDir(), "copy.db")

	if _, err := runCLI(t, "", "backup", dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "", "backup", dest); err == nil {
		t.Fatal("second backup overwrote the destination")
	}
}

func TestDoctorFreshHome(t *testing.T) {
	t.Setenv("OVERSEER_HOME", t.TempDir())
	t.Setenv("OVERSEER_LLM_PROVIDER", "ollama")
	out, err := runCLI(t, "", "doctor", "--json")
	if err != nil && !errors.Is(err, errChecksFailed) {
		t.Fatal(err)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	got := map[string]string{}
	for _, r := range diag.Results {
		got[r.Name] = r.Status
	}
	if got["Database"] != "PASS" || got["Config"] != "WARN" {
		t.Fatalf("results = %v", got)
	}
}
