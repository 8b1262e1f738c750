package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBlobsCSV writes two well separated Gaussian blobs with a header row.
func writeBlobsCSV(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	var sb strings.Builder
	sb.WriteString("x,y\n# two blobs\n")
	for _, c := range [][2]float64{{0, 0}, {15, 15}} {
		for i := 0; i < 150; i++ {
			fmt.Fprintf(&sb, "%g,%g\n", c[0]+rng.NormFloat64(), c[1]+rng.NormFloat64())
		}
	}
	path := filepath.Join(dir, "points.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func readOutput(t *testing.T, path string) output {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out output
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRun_CSVToJSON(t *testing.T) {
	dir := t.TempDir()
	input := writeBlobsCSV(t, dir)
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"-input", input, "-k", "15", "-log-level", "warn"}, nil, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 300, out.Points)
	assert.Equal(t, 2, out.Clusters)
	assert.Len(t, out.Labels, 300)
	assert.Len(t, out.KStar, 300)
	assert.Equal(t, "two_nn", out.Estimator)
	assert.InDelta(t, 2, out.Dimension, 0.5)
}

func TestRun_YAMLConfigAndCache(t *testing.T) {
	dir := t.TempDir()
	input := writeBlobsCSV(t, dir)
	cache := filepath.Join(dir, "graph.adpg")
	metrics := filepath.Join(dir, "metrics.prom")
	result := filepath.Join(dir, "result.json")
	cfgPath := filepath.Join(dir, "adp.yaml")
	cfgYAML := fmt.Sprintf("input: %s\noutput: %s\nk: 12\ncache: %s\ncache_codec: lz4\nlocal_id: true\nlog_level: warn\n", input, result, cache)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath, "-metrics-file", metrics}, nil, &stdout, &stderr), stderr.String())
	first := readOutput(t, result)
	assert.Len(t, first.LocalDimension, 300)
	assert.Empty(t, stdout.String(), "output goes to the configured file")

	info, err := os.Stat(cache)
	require.NoError(t, err, "cache file created")
	assert.Positive(t, info.Size())

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "adp_runs_total 1")

	// The second run reads the cached graph and gives the same answer.
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath, "-log-level", "info"}, nil, &stdout, &stderr))
	second := readOutput(t, result)
	assert.Equal(t, first.Labels, second.Labels)
	assert.Contains(t, stderr.String(), "neighbor graph loaded from cache")
}

func TestRun_IncompatibleCacheIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	input := writeBlobsCSV(t, dir)
	cache := filepath.Join(dir, "graph.adpg")
	var stdout, stderr bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"-input", input, "-k", "10", "-cache", cache, "-log-level", "warn"}, nil, &stdout, &stderr))
	stdout.Reset()
	require.NoError(t, run(context.Background(), []string{"-input", input, "-k", "11", "-cache", cache, "-log-level", "warn"}, nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "ignoring neighbor graph cache")
}

func TestRun_Stdin(t *testing.T) {
	var sb strings.Builder
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&sb, "%g,%g,%g\n", rng.Float64(), rng.Float64(), rng.Float64())
	}
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-k", "8", "-metric", "manhattan", "-log-level", "error"}, strings.NewReader(sb.String()), &stdout, &stderr)
	require.NoError(t, err)
	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 60, out.Points)
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	input := writeBlobsCSV(t, dir)
	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("neighbours: 3\n"), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{"unknown metric", []string{"-input", input, "-metric", "cosine"}},
		{"bad k", []string{"-input", input, "-k", "1"}},
		{"missing input", []string{"-input", filepath.Join(dir, "nope.csv")}},
		{"unknown yaml field", []string{"-config", badYAML}},
		{"bad log level", []string{"-input", input, "-log-level", "loud"}},
		{"bad codec", []string{"-input", input, "-cache", filepath.Join(dir, "c"), "-cache-codec", "gzip"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Error(t, run(context.Background(), tc.args, nil, &stdout, &stderr))
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-h"}, nil, &stdout, &stderr)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, stderr.String(), "-kstar-alpha")
}

func TestParseOptions_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "adp.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("k: 12\nalpha: 0.05\nhalo: false\n"), 0o644))

	o, err := parseOptions([]string{"-config", cfgPath, "-k", "20"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 20, o.K)
	assert.Equal(t, 0.05, o.Alpha)
	assert.False(t, o.Halo)
	assert.Equal(t, "zstd", o.CacheCodec, "defaults survive")
}

func TestParseOptions_MaxMergeIterations(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "adp.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("max_merge_iterations: 7\n"), 0o644))

	o, err := parseOptions([]string{"-config", cfgPath}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err := o.pipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxMergeIterations)

	o, err = parseOptions([]string{"-config", cfgPath, "-max-merge-iterations", "2"}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err = o.pipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxMergeIterations)

	var stdout, stderr bytes.Buffer
	err = run(context.Background(), []string{"-input", writeBlobsCSV(t, dir), "-max-merge-iterations", "-1"}, nil, &stdout, &stderr)
	assert.Error(t, err)
}

func TestRun_EquidistantPoints(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		row := make([]string, 6)
		for j := range row {
			row[j] = "0"
		}
		row[i] = "1"
		sb.WriteString(strings.Join(row, ",") + "\n")
	}
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-k", "3", "-log-level", "error"}, strings.NewReader(sb.String()), &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 1, out.Clusters)
	assert.Equal(t, []int{0}, out.Peaks)
	assert.Nil(t, out.DimensionError)
	assert.Len(t, out.Warnings, 1)
}

func TestReadPoints_HeaderAndComments(t *testing.T) {
	data, err := readPoints("-", strings.NewReader("a,b\n# note\n1, 2\n3,4\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, data)

	_, err = readPoints("-", strings.NewReader("1,2\n3,x\n"))
	assert.Error(t, err)
}
