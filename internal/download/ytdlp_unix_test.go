//go:build unix

package download

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
)

func fakeYTDLP(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755))
	return p
}

func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func readPIDFile(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && pid > 0
	}, 2*time.Second, 10*time.Millisecond)
	return pid
}

func TestYTDLPStrategy_CancelStopsHelpers(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "helper.pid")
	script := fakeYTDLP(t, fmt.Sprintf(`
sleep 30 &
echo $! > %q
echo '%s'
wait
`, pidFile, progressJSON(ytdlp.ProgressStatusDownloading, "source.mp4", 10, 100)))

	y := NewYTDLPStrategy(YTDLPConfig{Binary: script, KillTimeout: time.Second}, testLimits(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := y.Fetch(ctx, resolvedSpec, t.TempDir(), nil)
		done <- err
	}()

	helper := readPIDFile(t, pidFile)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, model.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}
	assert.Eventually(t, func() bool { return !processAlive(helper) }, 2*time.Second, 20*time.Millisecond,
		"helper %d survived the cancelled fetch", helper)
}

func TestYTDLPStrategy_MergePhaseWithRealProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "helper.pid")
	script := fakeYTDLP(t, fmt.Sprintf(`
echo '%s'
echo '%s'
sleep 30 &
echo $! > %q
sleep 1
printf merged > source.mp4
`, progressJSON(ytdlp.ProgressStatusDownloading, "source.mp4", 50, 100),
		progressJSON(ytdlp.ProgressStatusFinished, "source.mp4", 100, 100), pidFile))

	limits := testLimits()
	limits.StallTimeout = 300 * time.Millisecond
	y := NewYTDLPStrategy(YTDLPConfig{Binary: script, KillTimeout: time.Second}, limits, nil)

	dir := t.TempDir()
	start := time.Now()
	a, err := y.Fetch(context.Background(), resolvedSpec, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "source.mp4"), a.Path)
	assert.Less(t, time.Since(start), 5*time.Second, "a helper holding the pipes must not block the fetch")
	helper := readPIDFile(t, pidFile)
	assert.Eventually(t, func() bool { return !processAlive(helper) }, 2*time.Second, 20*time.Millisecond)
}
