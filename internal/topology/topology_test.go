package topology

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func discard() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func TestNormalize_SortsByOrdinal(t *testing.T) {
	raw := rawMap{
		"group_10": mustJSON(t, []int{20, 21}),
		"group_2":  mustJSON(t, []int{0, 1}),
		"group_1":  mustJSON(t, []int{10, 11}),
	}
	pools := Normalize(raw, discard())
	if len(pools) != 3 {
		t.Fatalf("len = %d, want 3", len(pools))
	}
	want := []string{"group_1", "group_2", "group_10"}
	for i, w := range want {
		if pools[i].Node != w {
			t.Errorf("pool %d = %s, want %s", i, pools[i].Node, w)
		}
	}
}

func TestNormalize_FlattensNested(t *testing.T) {
	raw := rawMap{
		"0": mustJSON(t, []any{0, []any{1, 2}, 3}),
	}
	pools := Normalize(raw, discard())
	if len(pools) != 1 {
		t.Fatalf("len = %d, want 1", len(pools))
	}
	if len(pools[0].CPUs) != 4 {
		t.Fatalf("cpus = %v, want 4 entries", pools[0].CPUs)
	}
}

func TestNormalize_DedupsAndSorts(t *testing.T) {
	raw := rawMap{
		"0": mustJSON(t, []int{3, 1, 1, 2, 2, 3}),
	}
	pools := Normalize(raw, discard())
	want := []int{1, 2, 3}
	if len(pools[0].CPUs) != len(want) {
		t.Fatalf("got %v, want %v", pools[0].CPUs, want)
	}
	for i, w := range want {
		if pools[0].CPUs[i] != w {
			t.Fatalf("got %v, want %v", pools[0].CPUs, want)
		}
	}
}

func TestNormalize_SkipsNonIntegerNode(t *testing.T) {
	raw := rawMap{
		"good": mustJSON(t, []int{0, 1}),
		"bad":  mustJSON(t, []string{"x", "y"}),
	}
	pools := Normalize(raw, discard())
	if len(pools) != 1 || pools[0].Node != "good" {
		t.Fatalf("got %v, want only 'good' retained", pools)
	}
}

func TestNormalize_EmptyMapDisablesAffinity(t *testing.T) {
	pools := Normalize(rawMap{}, discard())
	if len(pools) != 0 {
		t.Fatalf("got %v, want empty", pools)
	}
}

func TestCpuPool_Group(t *testing.T) {
	p := CpuPool{CPUs: []int{70, 71}}
	if g := p.Group(); g != 1 {
		t.Fatalf("group = %d, want 1", g)
	}
	empty := CpuPool{}
	if g := empty.Group(); g != 0 {
		t.Fatalf("group = %d, want 0 for empty pool", g)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), discard()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "numa.json")
	if err := os.WriteFile(path, []byte(`{"0":[0,1,2,3]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	pools, err := Load(path, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(pools) != 1 || len(pools[0].CPUs) != 4 {
		t.Fatalf("got %v", pools)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
