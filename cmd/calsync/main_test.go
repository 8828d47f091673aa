package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server.URL, "--user", "u1"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/u1/sync/status" || r.Method != http.MethodGet {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"connected": true, "syncEnabled": true}`))
	}))
	defer server.Close()

	out, err := runCLI(t, server, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"connected": true`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestSyncCommandSendsStrategy(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.Write([]byte(`{"status": "completed"}`))
	}))
	defer server.Close()

	if _, err := runCLI(t, server, "sync", "--strategy", "prefer-local"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(gotBody, `"strategy":"prefer-local"`) {
		t.Fatalf("strategy not sent: %s", gotBody)
	}
}

func TestErrorBodySurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code": "not_connected", "message": "provider not connected"}`))
	}))
	defer server.Close()

	_, err := runCLI(t, server, "sync")
	if err == nil || !strings.Contains(err.Error(), "provider not connected") {
		t.Fatalf("expected server message in error, got %v", err)
	}
}

func TestUserIsRequired(t *testing.T) {
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--server", "http://127.0.0.1:1", "status"})
	t.Setenv("CALSYNC_USER", "")
	if err := root.Execute(); err == nil {
		t.Fatalf("expected missing-user error")
	}
}

func TestUnwatchEscapesChannelID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{"status": "stopped"}`))
	}))
	defer server.Close()

	if _, err := runCLI(t, server, "unwatch", "chan/1"); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if gotPath != "/v1/users/u1/channels/chan%2F1" {
		t.Fatalf("channel id not escaped: %s", gotPath)
	}
}
