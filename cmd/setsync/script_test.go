package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// runMainEnv makes the test binary behave as the setsync command, so the
// transcripts exercise the real flag parsing and exit codes.
const runMainEnv = "SETSYNC_TEST_RUN_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(runMainEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// TestScripts runs testdata/*.txt against a remote on a closed port, so
// every command sees the device as offline.
func TestScripts(t *testing.T) {
	engine := script.NewEngine()
	engine.Cmds["setsync"] = script.Program(os.Args[0], nil, 0)

	env := []string{
		runMainEnv + "=1",
		"SETSYNC_REMOTE_URL=http://127.0.0.1:1",
		"SETSYNC_REMOTE_TIMEOUT=2s",
		"SETSYNC_LOG_LEVEL=warn",
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "SETSYNC_") && !strings.HasPrefix(kv, "HOME=") {
			env = append(env, kv)
		}
	}

	scripttest.Test(t, context.Background(), engine, env, "testdata/*.txt")
}
