package main

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childEnv = "POCKET_WORKER_INIT_CHILD"

// The tensor stack carries a runtime guard that panics during package init on
// Go releases it does not know. Re-run this binary with every override of
// that guard removed so a stale pin fails here instead of in production.
func TestInitWithoutGCOverride(t *testing.T) {
	if os.Getenv(childEnv) == "1" {
		assert.Contains(t, compute.Builtins().Names(), "matmultest")
		return
	}

	env := []string{childEnv + "=1"}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ASSUME_NO_MOVING_GC_UNSAFE") {
			continue
		}
		env = append(env, kv)
	}
	cmd := exec.Command(os.Args[0], "-test.run=^TestInitWithoutGCOverride$", "-test.count=1")
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "worker packages failed to initialise:\n%s", out)
}

func TestGetLoggingConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	cfg := getLoggingConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	cfg = getLoggingConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
}
