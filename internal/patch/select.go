package patch

import (
	"context"
	"sort"

	"patchpilot/internal/failure"
)

// selectActions picks the cheapest way to reach each file's target content.
func (r *run) selectActions(ctx context.Context) error {
	for _, rel := range sortedKeys(r.md.Files) {
		tf := r.md.Files[rel]

		if live := findLoc(r.atTarget[rel], locLive); live != nil {
			r.report.AtTarget++
			continue
		}
		if staged := bestStaged(r.atTarget[rel]); staged != nil {
			r.actions = append(r.actions, action{rel: rel, kind: actMove, from: *staged})
			continue
		}

		var best *action
		if full, ok := r.md.Full[rel]; ok {
			best = &action{rel: rel, kind: actFull, full: full, cost: full.Size}
		}
		if origin, chain, cost, ok := cheapestChain(r.sources[rel], r.md.deltasFor(rel), tf.MD5); ok {
			a := action{rel: rel, kind: actDelta, from: origin, chain: chain, cost: cost}
			if best == nil || a.cost < best.cost {
				best = &a
			}
		}
		if best == nil {
			if tf.Optional {
				r.log.Printf("patch: select: optional %s has no usable source, skipping", rel)
				continue
			}
			return failure.New(failure.KindRequiredFileMissing, "patch select", rel, nil).
				WithDetail("no local copy matches the target or any delta source, and no full replacement exists")
		}
		r.actions = append(r.actions, *best)
	}

	var moves, fulls, deltas int
	for _, a := range r.actions {
		switch a.kind {
		case actMove:
			moves++
		case actFull:
			fulls++
		case actDelta:
			deltas++
		}
	}
	r.log.Printf("patch: select: %d staged, %d full, %d delta", moves, fulls, deltas)
	return nil
}

func findLoc(cands []candidate, loc location) *candidate {
	for i := range cands {
		if cands[i].loc == loc {
			return &cands[i]
		}
	}
	return nil
}

// bestStaged prefers finished output, then extracted copies, then search
// directories.
func bestStaged(cands []candidate) *candidate {
	for _, loc := range []location{locFinal, locExtract, locSearch} {
		if c := findLoc(cands, loc); c != nil {
			return c
		}
	}
	return nil
}

type chainState struct {
	cost   int64
	chain  []DeltaInfo
	origin candidate
}

func (a chainState) less(b chainState) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	return len(a.chain) < len(b.chain)
}

// cheapestChain finds the sequence of deltas with the least extracted data
// leading from any source candidate to target.
func cheapestChain(sources []candidate, deltas []DeltaInfo, target string) (candidate, []DeltaInfo, int64, bool) {
	if len(sources) == 0 || len(deltas) == 0 {
		return candidate{}, nil, 0, false
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ID < deltas[j].ID })

	best := map[string]chainState{}
	for _, src := range sources {
		if _, ok := best[src.hash]; !ok {
			best[src.hash] = chainState{origin: src}
		}
	}
	settled := map[string]bool{}
	for {
		cur := ""
		for _, h := range sortedKeys(best) {
			if settled[h] {
				continue
			}
			if cur == "" || best[h].less(best[cur]) {
				cur = h
			}
		}
		if cur == "" {
			return candidate{}, nil, 0, false
		}
		settled[cur] = true
		state := best[cur]
		if cur == target {
			return state.origin, state.chain, state.cost, true
		}
		for _, d := range deltas {
			if d.FromMD5 != cur || settled[d.ToMD5] {
				continue
			}
			next := chainState{
				cost:   state.cost + d.Size,
				chain:  append(append([]DeltaInfo(nil), state.chain...), d),
				origin: state.origin,
			}
			if existing, ok := best[d.ToMD5]; !ok || next.less(existing) {
				best[d.ToMD5] = next
			}
		}
	}
}
