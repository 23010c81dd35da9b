package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServe(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cfg := model.DefaultConfig(t.Context())
	cfg.Service.Listen = freeAddr(t)
	cfg.Worker.Root = t.TempDir()
	cfg.Worker.Python = sh
	// the worker never ends on its own, shutdown has to kill it
	cfg.Worker.Args = []string{"-c", `echo '{"progress":5}'; exec sleep 30`, "worker"}
	cfg.Janitor.Enabled = false
	base := "http://" + cfg.Service.Listen

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, cfg)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.DirExists(t, filepath.Join(cfg.Worker.Root, "output", "jobs"))

	resp, err := http.Post(base+"/api/scrape", "application/json",
		strings.NewReader(`{"url":"https://example.com","manufacturer":"acme"}`))
	require.NoError(t, err)
	var ret map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ret))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := ret["jobId"]

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/jobs/" + id)
		if err != nil {
			return false
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		var job model.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return false
		}
		return job.Status == model.StatusRunning && job.Progress == 5
	}, 5*time.Second, 20*time.Millisecond)

	// an open progress stream must not block the shutdown
	stream, err := http.Get(base + "/api/scrape/" + id + "/progress")
	require.NoError(t, err)
	defer func() {
		_ = stream.Body.Close()
	}()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve has not stopped")
	}
}
