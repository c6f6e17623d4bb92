package lora

import (
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/preftune/preftune/internal/model"
	"github.com/preftune/preftune/internal/tensor"
)

func tinyModel(t *testing.T, seed int64) *model.Model {
	t.Helper()
	cfg := model.Config{
		VocabSize:        13,
		DModel:           8,
		DFF:              16,
		NumHeads:         2,
		NumEncoderLayers: 1,
		NumDecoderLayers: 1,
		MaxSeqLen:        16,
		PadID:            0,
		EOSID:            2,
		DecoderStartID:   0,
	}
	m, err := model.New(cfg, seed)
	if err != nil {
		t.Fatalf("model.New() error = %v", err)
	}
	return m
}

func testConfig() Config {
	return Config{
		R:             2,
		Alpha:         2,
		Dropout:       0,
		Bias:          "all",
		TargetModules: []string{"q", "v"},
		TaskType:      TaskType,
	}
}

func score(t *testing.T, m *model.Model) float64 {
	t.Helper()
	g := tensor.NewGraph(false)
	s, err := m.ScorePair(g, []int{3, 4, 5}, []int{6, 7, 2})
	if err != nil {
		t.Fatalf("ScorePair() error = %v", err)
	}
	return s.Item()
}

// fillB writes a deterministic nonzero pattern into every B tensor so the
// low-rank delta stops being zero
func fillB(a *Adapter) {
	for _, p := range a.NamedParams() {
		if !strings.HasSuffix(p.Name, ".lora_B") {
			continue
		}
		for i := range p.T.W {
			p.T.W[i] = 0.01 * float64(i%7-3)
		}
	}
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*(1+math.Abs(a)+math.Abs(b))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.R != 16 || cfg.Alpha != 16 {
		t.Errorf("DefaultConfig() r/alpha = %d/%d, want 16/16", cfg.R, cfg.Alpha)
	}
	if cfg.Dropout != 0.1 {
		t.Errorf("DefaultConfig() dropout = %g, want 0.1", cfg.Dropout)
	}
	if cfg.Bias != "all" {
		t.Errorf("DefaultConfig() bias = %q, want all", cfg.Bias)
	}
	if len(cfg.TargetModules) != 2 || cfg.TargetModules[0] != "q" || cfg.TargetModules[1] != "v" {
		t.Errorf("DefaultConfig() targets = %v, want [q v]", cfg.TargetModules)
	}
	if cfg.TaskType != TaskType {
		t.Errorf("DefaultConfig() task type = %q, want %q", cfg.TaskType, TaskType)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero rank",
			mutate:  func(c *Config) { c.R = 0 },
			wantErr: "r must be",
		},
		{
			name:    "zero alpha",
			mutate:  func(c *Config) { c.Alpha = 0 },
			wantErr: "lora_alpha",
		},
		{
			name:    "dropout too high",
			mutate:  func(c *Config) { c.Dropout = 1 },
			wantErr: "lora_dropout",
		},
		{
			name:    "negative dropout",
			mutate:  func(c *Config) { c.Dropout = -0.1 },
			wantErr: "lora_dropout",
		},
		{
			name:    "no targets",
			mutate:  func(c *Config) { c.TargetModules = nil },
			wantErr: "target_modules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyKeepsForwardUnchanged(t *testing.T) {
	m := tinyModel(t, 7)
	before := score(t, m)

	if _, err := Apply(m, testConfig(), 1); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	after := score(t, m)
	if before != after {
		t.Errorf("fresh adapter changed score: %v vs %v", before, after)
	}
}

func TestApplyTargets(t *testing.T) {
	m := tinyModel(t, 7)
	a, err := Apply(m, testConfig(), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// encoder self-attention plus decoder self and cross, q and v each
	wantPairs := 3 * 2
	params := a.NamedParams()
	if len(params) != 2*wantPairs {
		t.Fatalf("NamedParams() returned %d tensors, want %d", len(params), 2*wantPairs)
	}
	for i, p := range params {
		wantSuffix := ".lora_A"
		if i%2 == 1 {
			wantSuffix = ".lora_B"
		}
		if !strings.HasSuffix(p.Name, wantSuffix) {
			t.Errorf("params[%d] = %q, want suffix %q", i, p.Name, wantSuffix)
		}
		base := strings.TrimSuffix(strings.TrimSuffix(p.Name, ".lora_A"), ".lora_B")
		switch moduleSuffix(base) {
		case "q", "v":
		default:
			t.Errorf("adapter attached to %q, want only q and v projections", base)
		}
	}

	// each pair is r*(in + out) parameters
	want := wantPairs * 2 * (8 + 8)
	if a.NumParams() != want {
		t.Errorf("NumParams() = %d, want %d", a.NumParams(), want)
	}
}

func TestApplyErrors(t *testing.T) {
	t.Run("no matching projection", func(t *testing.T) {
		cfg := testConfig()
		cfg.TargetModules = []string{"z"}
		if _, err := Apply(tinyModel(t, 7), cfg, 1); err == nil {
			t.Fatal("Apply() error = nil for unmatched targets")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.R = 0
		if _, err := Apply(tinyModel(t, 7), cfg, 1); err == nil {
			t.Fatal("Apply() error = nil for invalid config")
		}
	})
}

func TestAdapterChangesForward(t *testing.T) {
	m := tinyModel(t, 7)
	before := score(t, m)

	a, err := Apply(m, testConfig(), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	fillB(a)
	after := score(t, m)
	if before == after {
		t.Error("nonzero adapter left score unchanged")
	}
}

func TestMergeMatchesAdapter(t *testing.T) {
	m := tinyModel(t, 7)
	a, err := Apply(m, testConfig(), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	fillB(a)

	adapted := score(t, m)
	a.MergeInto()
	merged := score(t, m)

	if !closeEnough(adapted, merged) {
		t.Errorf("merged score = %v, want %v", merged, adapted)
	}
}

func TestBackwardReachesAdapter(t *testing.T) {
	m := tinyModel(t, 7)
	a, err := Apply(m, testConfig(), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	g := tensor.NewGraph(true)
	s, err := m.ScorePair(g, []int{3, 4, 5}, []int{6, 7, 2})
	if err != nil {
		t.Fatalf("ScorePair() error = %v", err)
	}
	g.Backward(s)

	nonzero := 0
	for _, p := range a.NamedParams() {
		if !strings.HasSuffix(p.Name, ".lora_B") {
			continue
		}
		for _, dv := range p.T.DW {
			if dv != 0 {
				nonzero++
			}
		}
	}
	if nonzero == 0 {
		t.Error("backward left every B gradient at zero")
	}

	a.ZeroGrad()
	for _, p := range a.NamedParams() {
		for _, dv := range p.T.DW {
			if dv != 0 {
				t.Fatalf("%s gradient nonzero after ZeroGrad", p.Name)
			}
		}
	}
}

func TestDropoutOnlyOnRecordingGraphs(t *testing.T) {
	m := tinyModel(t, 7)
	cfg := testConfig()
	cfg.Dropout = 0.5
	a, err := Apply(m, cfg, 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	fillB(a)

	if s1, s2 := score(t, m), score(t, m); s1 != s2 {
		t.Errorf("inference scores differ with dropout configured: %v vs %v", s1, s2)
	}

	grad := func() float64 {
		g := tensor.NewGraph(true)
		s, err := m.ScorePair(g, []int{3, 4, 5}, []int{6, 7, 2})
		if err != nil {
			t.Fatalf("ScorePair() error = %v", err)
		}
		return s.Item()
	}
	if g1, g2 := grad(), grad(); g1 == g2 {
		t.Errorf("training scores identical across dropout draws: %v", g1)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "adapter")
	m1 := tinyModel(t, 7)
	a1, err := Apply(m1, testConfig(), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	fillB(a1)
	if err := a1.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m2 := tinyModel(t, 7)
	a2, err := Load(dir, m2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(a2.Config(), a1.Config()) {
		t.Errorf("loaded config = %+v, want %+v", a2.Config(), a1.Config())
	}

	p1, p2 := a1.NamedParams(), a2.NamedParams()
	if len(p1) != len(p2) {
		t.Fatalf("loaded %d tensors, want %d", len(p2), len(p1))
	}
	for i := range p1 {
		if p2[i].Name != p1[i].Name {
			t.Fatalf("tensor %d = %q, want %q", i, p2[i].Name, p1[i].Name)
		}
		for j := range p1[i].T.W {
			if p2[i].T.W[j] != float64(float32(p1[i].T.W[j])) {
				t.Fatalf("%s[%d] = %v after load, want %v", p1[i].Name, j, p2[i].T.W[j], p1[i].T.W[j])
			}
		}
	}

	if s1, s2 := score(t, m1), score(t, m2); !closeEnough(s1, s2) {
		t.Errorf("loaded adapter scores %v, want %v", s2, s1)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent"), tinyModel(t, 7)); err == nil {
			t.Fatal("Load() error = nil for missing directory")
		}
	})

	t.Run("unknown tensor", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "adapter")
		m := tinyModel(t, 7)
		a, err := Apply(m, testConfig(), 1)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if err := a.Save(dir); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		extra := []model.NamedTensor{{Name: "bogus.lora_A", T: tensor.New(1, 1)}}
		if err := model.WriteTensorFile(filepath.Join(dir, WeightsFileName), extra); err != nil {
			t.Fatal(err)
		}
		_, err = Load(dir, tinyModel(t, 7))
		if err == nil || !strings.Contains(err.Error(), "unknown tensor") {
			t.Fatalf("Load() error = %v, want unknown tensor", err)
		}
	})

	t.Run("missing tensor", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "adapter")
		m := tinyModel(t, 7)
		a, err := Apply(m, testConfig(), 1)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if err := a.Save(dir); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		partial := a.NamedParams()[:2]
		if err := model.WriteTensorFile(filepath.Join(dir, WeightsFileName), partial); err != nil {
			t.Fatal(err)
		}
		_, err = Load(dir, tinyModel(t, 7))
		if err == nil || !strings.Contains(err.Error(), "missing") {
			t.Fatalf("Load() error = %v, want missing tensor", err)
		}
	})
}
