// Package topology loads a NUMA/CPU-pool map and normalizes it into ordered
// CpuPools, exposing the processor-group helpers the affinity planner needs.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ProcGroupSize is the Windows processor-group boundary: up to 64 logical
// CPUs per group.
const ProcGroupSize = 64

// CpuPool is a normalized, de-duplicated, sorted list of CPU ids belonging to
// one NUMA node (or arbitrary named pool).
type CpuPool struct {
	Node string
	CPUs []int
}

// Group returns the Windows processor group this pool's lowest CPU id falls
// in (CPU id c belongs to group c/ProcGroupSize).
func (p CpuPool) Group() int {
	if len(p.CPUs) == 0 {
		return 0
	}
	return p.CPUs[0] / ProcGroupSize
}

// rawMap is the on-disk NUMA map shape: node name -> (possibly nested) list
// of CPU ids.
type rawMap map[string]json.RawMessage

// Load reads and normalizes a NUMA map file. A missing file is an error; an
// empty or all-invalid map returns an empty pool list, which the caller
// treats as "affinity disabled" rather than an error.
func Load(path string, log zerolog.Logger) ([]CpuPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read numa map %q: %w", path, err)
	}

	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("topology: parse numa map %q: %w", path, err)
	}

	return Normalize(raw, log), nil
}

// Normalize flattens, validates and sorts a raw NUMA map into pools.
// Non-integer entries cause that node to be skipped with a warning. Later
// pools keep CPUs that collide with earlier ones (pathological maps).
func Normalize(raw rawMap, log zerolog.Logger) []CpuPool {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aok := nodeOrdinal(names[i])
		bi, bok := nodeOrdinal(names[j])
		if aok && bok {
			return ai < bi
		}
		if aok != bok {
			// numeric names sort before non-numeric ones is unspecified by the
			// spec; keep it deterministic by falling back to lexicographic
			// comparison whenever either name fails to parse.
			return names[i] < names[j]
		}
		return names[i] < names[j]
	})

	pools := make([]CpuPool, 0, len(names))
	for _, name := range names {
		cpus, err := flattenCPUs(raw[name])
		if err != nil {
			log.Warn().Str("node", name).Err(err).Msg("topology: skipping node with non-integer entries")
			continue
		}
		if len(cpus) == 0 {
			continue
		}

		sort.Ints(cpus)
		dedup := cpus[:1]
		for _, c := range cpus[1:] {
			if c != dedup[len(dedup)-1] {
				dedup = append(dedup, c)
			}
		}
		pools = append(pools, CpuPool{Node: name, CPUs: dedup})
	}
	// CPUs colliding across pools are tolerated: a later pool in this sorted
	// order simply keeps them too, and the affinity planner's flat
	// concatenation means the later pool's block wins ties in practice.
	return pools
}

// nodeOrdinal parses names like "group_3" or "3" into an integer ordinal.
func nodeOrdinal(name string) (int, bool) {
	trimmed := strings.TrimPrefix(name, "group_")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return n, true
}

// flattenCPUs recursively flattens a (possibly nested) JSON array of
// integers. Any non-integer leaf is an error for the whole node.
func flattenCPUs(raw json.RawMessage) ([]int, error) {
	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err != nil {
		return nil, fmt.Errorf("not an array: %w", err)
	}

	var out []int
	for _, item := range asArray {
		var n int
		if err := json.Unmarshal(item, &n); err == nil {
			out = append(out, n)
			continue
		}
		nested, err := flattenCPUs(item)
		if err != nil {
			return nil, fmt.Errorf("non-integer entry: %w", err)
		}
		out = append(out, nested...)
	}
	return out, nil
}
