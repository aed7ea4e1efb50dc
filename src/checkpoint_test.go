package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	src := newTestNet(t, 1)
	metrics := map[string]float64{"valid/loss": 0.25, "train/precision01": 0.9}
	ckpt := NewCheckpoint(src, "run-1", "stage1", 3, metrics)

	path := filepath.Join(t.TempDir(), "a", "stage1.3.ckpt")
	if err := SaveCheckpoint(path, ckpt); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Stage != "stage1" || loaded.Epoch != 3 || loaded.Version != Version {
		t.Errorf("header = %q %q %d %q", loaded.RunID, loaded.Stage, loaded.Epoch, loaded.Version)
	}
	if !loaded.CreatedAt.Equal(ckpt.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", loaded.CreatedAt, ckpt.CreatedAt)
	}
	for k, v := range metrics {
		if loaded.Metrics[k] != v {
			t.Errorf("metric %s = %g, want %g", k, loaded.Metrics[k], v)
		}
	}

	dst := newTestNet(t, 99)
	if err := dst.Freeze("fc1"); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want := snapshotParams(src)
	for name, got := range snapshotParams(dst) {
		if !equalValues(got, want[name]) {
			t.Errorf("%s not restored", name)
		}
	}
	if !dst.IsFrozen("fc1") || dst.IsFrozen("fc2") {
		t.Error("Restore changed trainability")
	}
}

func TestCheckpointRestoreRejectsMismatch(t *testing.T) {
	net := newTestNet(t, 1)
	other, err := NewNetwork(NetworkConfig{Seed: 1}).
		AddLayer(Dense(5).WithName("fc1").WithActivation(ReLU()).
			WithInitializer(HeNormal(1)).WithBiasInitializer(Zeros()).WithBias(true).Build()).
		AddLayer(Dense(3).WithName("fc2").WithActivation(Linear()).
			WithInitializer(HeNormal(1)).WithBiasInitializer(Zeros()).WithBias(true).Build()).
		Build([]int{4})
	if err != nil {
		t.Fatal(err)
	}
	before := snapshotParams(net)
	if err := NewCheckpoint(other, "", "s", 1, nil).Restore(net); err == nil {
		t.Error("Restore accepted mismatched shapes")
	}
	for name, v := range snapshotParams(net) {
		if !equalValues(v, before[name]) {
			t.Errorf("%s modified by failed restore", name)
		}
	}

	ckpt := NewCheckpoint(net, "", "s", 1, nil)
	ckpt.Weights[0].Name = "fc9.weight"
	if err := ckpt.Restore(net); err == nil {
		t.Error("Restore accepted an unknown parameter name")
	}
}

func TestLoadCheckpointRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte{0x0a, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(path); err == nil {
		t.Error("decoded a truncated checkpoint")
	}
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Error("loaded a missing file")
	}
}

func TestCheckpointSaverKeepsBest(t *testing.T) {
	net := newTestNet(t, 1)
	logDir := t.TempDir()
	saver := CheckpointSaver(CheckpointConfig{SaveNBest: 2, MainMetric: "loss", Minimize: true})
	if err := saver.OnStageInit(net, "stage1"); err != nil {
		t.Fatal(err)
	}

	s := newState(net, StageSpec{Name: "stage1"}, Args{Epochs: 4}, logDir)
	losses := []float64{0.9, 0.5, 0.7, 0.6}
	for i, loss := range losses {
		s.Epoch = i + 1
		s.Metrics[ValidLoader] = map[string]float64{"loss": loss}
		s.Metrics[TrainLoader] = map[string]float64{"loss": 0.1}
		if err := saver.OnEpochEnd(s); err != nil {
			t.Fatalf("epoch %d: %v", i+1, err)
		}
	}

	dir := CheckpointDir(logDir)
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	for name, want := range map[string]bool{
		"stage1.1.ckpt": false,
		"stage1.2.ckpt": true,
		"stage1.3.ckpt": false,
		"stage1.4.ckpt": true,
		"best.ckpt":     true,
		"last.ckpt":     true,
	} {
		if exists(name) != want {
			t.Errorf("%s exists = %v, want %v", name, !want, want)
		}
	}

	top := saver.Top()
	if len(top) != 2 || top[0].Epoch != 2 || top[1].Epoch != 4 {
		t.Errorf("top = %+v, want epochs [2 4]", top)
	}
	best, err := LoadCheckpoint(filepath.Join(dir, "best.ckpt"))
	if err != nil {
		t.Fatal(err)
	}
	if best.Epoch != 2 || best.Metrics["valid/loss"] != 0.5 {
		t.Errorf("best.ckpt is epoch %d with loss %g", best.Epoch, best.Metrics["valid/loss"])
	}
	last, err := LoadCheckpoint(filepath.Join(dir, "last.ckpt"))
	if err != nil {
		t.Fatal(err)
	}
	if last.Epoch != 4 {
		t.Errorf("last.ckpt is epoch %d, want 4", last.Epoch)
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoints.json"))
	if err != nil {
		t.Fatal(err)
	}
	var summary checkpointSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Best == nil || summary.Best.Epoch != 2 || len(summary.Top) != 2 || summary.Last.Epoch != 4 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestCheckpointSaverMaximize(t *testing.T) {
	net := newTestNet(t, 1)
	saver := CheckpointSaver(CheckpointConfig{SaveNBest: 1, MainMetric: "precision01", Minimize: false})
	s := newState(net, StageSpec{Name: "stage1"}, Args{Epochs: 2}, t.TempDir())
	for i, v := range []float64{0.4, 0.8} {
		s.Epoch = i + 1
		s.Metrics[ValidLoader] = map[string]float64{"precision01": v}
		if err := saver.OnEpochEnd(s); err != nil {
			t.Fatal(err)
		}
	}
	if top := saver.Top(); len(top) != 1 || top[0].Epoch != 2 {
		t.Errorf("top = %+v, want epoch 2", top)
	}

	s.Metrics = map[string]map[string]float64{ValidLoader: {"loss": 1}}
	if err := saver.OnEpochEnd(s); err == nil {
		t.Error("missing main metric accepted")
	}
}

func TestCheckpointSaverResume(t *testing.T) {
	src := newTestNet(t, 1)
	path := filepath.Join(t.TempDir(), "best.ckpt")
	if err := SaveCheckpoint(path, NewCheckpoint(src, "r", "stage1", 1, nil)); err != nil {
		t.Fatal(err)
	}

	dst := newTestNet(t, 2)
	saver := CheckpointSaver(CheckpointConfig{Resume: path})
	if err := saver.OnStageInit(dst, "stage2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := snapshotParams(src)
	for name, got := range snapshotParams(dst) {
		if !equalValues(got, want[name]) {
			t.Errorf("%s not resumed", name)
		}
	}

	bad := CheckpointSaver(CheckpointConfig{Resume: path + ".missing"})
	if err := bad.OnStageInit(dst, "stage2"); err == nil {
		t.Error("resume from a missing file succeeded")
	}
}
