package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "evaluate", "loadtest"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected subcommand %s, got %v (%v)", name, cmd, err)
		}
	}
}

func TestEvaluateCommandUsesHeuristicWithoutKey(t *testing.T) {
	t.Setenv("ENRICHMENT_API_KEY", "")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"evaluate", "--model", "heuristic",
	})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute evaluate: %v", err)
	}

	output := out.String()
	jsonPart := output[:strings.LastIndex(output, "best model:")]
	var results []map[string]any
	if err := json.Unmarshal([]byte(jsonPart), &results); err != nil {
		t.Fatalf("decode output %q: %v", output, err)
	}
	if len(results) != 1 || results[0]["model"] != "heuristic" || results[0]["accuracy"].(float64) != 0.8 {
		t.Fatalf("unexpected evaluate output: %+v", results)
	}
}
