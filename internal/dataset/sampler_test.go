package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestBuildRoundRobinOrderDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar", "/rootB/shard-000003.tar"},
	}
	for i := 0; i < 5; i++ {
		order1 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
		order2 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
		if !reflect.DeepEqual(order1, order2) {
			t.Fatalf("round robin order not deterministic: %v vs %v", order1, order2)
		}
		if len(order1) != 4 {
			t.Fatalf("expected 4 entries, got %d", len(order1))
		}
		if order1[0].root == order1[1].root {
			t.Fatalf("expected alternating roots, got %v", order1)
		}
	}
}

func TestSamplerDeterministicStream(t *testing.T) {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	mustShard(t, filepath.Join(rootA, "shard-000000.tar"), map[string]int{"a0": 0})
	mustShard(t, filepath.Join(rootA, "shard-000002.tar"), map[string]int{"a1": 1})
	mustShard(t, filepath.Join(rootB, "shard-000001.tar"), map[string]int{"b0": 2})

	roots, err := DiscoverByRoot([]string{rootA, rootB})
	if err != nil {
		t.Fatalf("DiscoverByRoot: %v", err)
	}
	opts := SamplerOptions{Roots: roots, Seed: 123, NumWorkers: 2}

	samplesRun1 := collectSamples(t, opts, 6)
	samplesRun2 := collectSamples(t, opts, 6)

	if !reflect.DeepEqual(samplesRun1, samplesRun2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", samplesRun1, samplesRun2)
	}
}

func TestSamplerStopsAfterEpochs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	mustShard(t, filepath.Join(root, "shard-000000.tar"), map[string]int{"x": 1})
	mustShard(t, filepath.Join(root, "shard-000001.tar"), map[string]int{"y": 4})

	shards, err := DiscoverShards(root)
	if err != nil {
		t.Fatalf("DiscoverShards: %v", err)
	}
	stream, errCh, err := StartSampler(context.Background(), SamplerOptions{
		Roots:      map[string][]string{root: shards},
		NumWorkers: 2,
		Epochs:     2,
	})
	if err != nil {
		t.Fatalf("StartSampler: %v", err)
	}
	var got []string
	for s := range stream {
		got = append(got, s.Key)
	}
	for err := range errCh {
		t.Fatalf("sampler error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 samples over 2 epochs, got %v", got)
	}
}

func TestDiscoverShards(t *testing.T) {
	dir := t.TempDir()
	mustShard(t, filepath.Join(dir, "shard-000000.tar"), nil)
	mustShard(t, filepath.Join(dir, "nested", "shard-000001.tar"), nil)
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if !reflect.DeepEqual(shards, want) {
		t.Fatalf("shards=%v want %v", shards, want)
	}

	if _, err := DiscoverByRoot([]string{t.TempDir()}); err == nil {
		t.Fatal("expected error for a root without shards")
	}
}

func TestStartSamplerRejectsEmptyRoots(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{}); err == nil {
		t.Fatal("expected error with no roots")
	}
	if _, _, err := StartSampler(context.Background(), SamplerOptions{Roots: map[string][]string{"/r": nil}}); err == nil {
		t.Fatal("expected error with no shards")
	}
}

func TestNextBatchSurfacesShardError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	path := filepath.Join(root, "shard-000000.tar")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(t, tw, "a.png", []byte("png"))
	addTarEntry(t, tw, "a.json", []byte("{not json"))
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	// let the sampler fail and close both streams before the batch is pulled
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		samples, errs, err := StartSampler(ctx, SamplerOptions{
			Roots:  map[string][]string{root: {path}},
			Epochs: 1,
		})
		if err != nil {
			cancel()
			t.Fatalf("StartSampler: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		_, err = NextBatch(ctx, samples, errs, 1, 16)
		cancel()
		if err == nil || errors.Is(err, ErrSamplerClosed) {
			t.Fatalf("run %d: expected the shard parse error, got %v", i, err)
		}
	}
}

func collectSamples(t *testing.T, opts SamplerOptions, count int) []string {
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	defer cancel()

	out := make([]string, 0, count)
	deadline := time.After(5 * time.Second)
	for len(out) < count {
		select {
		case sample, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed early; collected %d samples", len(out))
			}
			out = append(out, sample.Key)
		case err := <-errCh:
			if err != nil {
				t.Fatalf("sampler reported error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler emitted error after cancel: %v", err)
		}
	}
	return out
}

func mustShard(t *testing.T, path string, samples map[string]int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, label := range samples {
		target, err := json.Marshal(Target{Boxes: [][4]float32{{0, 0, 4, 4}}, Labels: []int{label}})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		addTarEntry(t, tw, key+".jpg", []byte(key))
		addTarEntry(t, tw, key+".json", target)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}
