// Package planner computes the cheapest sequence of patch edges between two
// versions of the patch graph.
package planner

import (
	"sort"
	"strings"

	"patchpilot/internal/failure"
	"patchpilot/internal/manifest"
)

// Step is one edge of a plan, with its 1-based position.
type Step struct {
	Edge     manifest.PatchEdge
	Position int
	Total    int
}

// Plan is an ordered list of patch steps from From to To.
type Plan struct {
	From  string
	To    string
	Steps []Step
}

// IsUpToDate reports whether no patching is needed.
func (p Plan) IsUpToDate() bool {
	return p.From == p.To
}

// TotalSize is the download size of every step combined.
func (p Plan) TotalSize() int64 {
	var total int64
	for _, s := range p.Steps {
		total += s.Edge.TotalSize()
	}
	return total
}

type path struct {
	edges []int
	size  int64
	key   string
}

// Build plans a route from current to target over the manifest's edges. The
// route with the fewest hops wins; among those, the smallest total download;
// remaining ties go to the lexicographically smallest sequence of target
// versions.
func Build(m manifest.Manifest, current, target string) (Plan, error) {
	plan := Plan{From: current, To: target}
	if current == target {
		return plan, nil
	}

	adjacency := make(map[string][]int)
	for i, e := range m.Patches {
		adjacency[e.From] = append(adjacency[e.From], i)
	}
	for from := range adjacency {
		idx := adjacency[from]
		sort.SliceStable(idx, func(a, b int) bool {
			return m.Patches[idx[a]].To < m.Patches[idx[b]].To
		})
	}

	best := map[string]int{current: 0}
	bestLen := -1
	var found []path

	queue := []path{{}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		if bestLen >= 0 && len(p.edges) >= bestLen {
			continue
		}
		at := current
		if n := len(p.edges); n > 0 {
			at = m.Patches[p.edges[n-1]].To
		}

		for _, ei := range adjacency[at] {
			edge := m.Patches[ei]
			hops := len(p.edges) + 1
			if d, ok := best[edge.To]; ok && hops > d {
				continue
			}
			best[edge.To] = hops

			next := path{
				edges: append(append([]int(nil), p.edges...), ei),
				size:  p.size + edge.TotalSize(),
				key:   p.key + "\x00" + edge.To,
			}
			if edge.To == target {
				if bestLen < 0 || hops < bestLen {
					bestLen = hops
					found = found[:0]
				}
				found = append(found, next)
				continue
			}
			queue = append(queue, next)
		}
	}

	if len(found) == 0 {
		return Plan{}, failure.Newf(failure.KindNoPath, "plan",
			"no patch route from %s to %s", current, target)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].size != found[j].size {
			return found[i].size < found[j].size
		}
		return strings.Compare(found[i].key, found[j].key) < 0
	})
	chosen := found[0]
	for i, ei := range chosen.edges {
		plan.Steps = append(plan.Steps, Step{
			Edge:     m.Patches[ei],
			Position: i + 1,
			Total:    len(chosen.edges),
		})
	}
	return plan, nil
}
