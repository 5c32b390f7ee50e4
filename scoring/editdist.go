package scoring

// Edits is the breakdown of a minimum-cost alignment.
type Edits struct {
	Insertions    int
	Deletions     int
	Substitutions int
}

// Total returns the edit distance.
func (e Edits) Total() int {
	return e.Insertions + e.Deletions + e.Substitutions
}

func (e Edits) add(o Edits) Edits {
	return Edits{
		Insertions:    e.Insertions + o.Insertions,
		Deletions:     e.Deletions + o.Deletions,
		Substitutions: e.Substitutions + o.Substitutions,
	}
}

// EditDistance computes the Levenshtein distance between a reference and a
// hypothesis token sequence, split into insertions (extra hyp tokens),
// deletions (missing ref tokens) and substitutions. On equal cost,
// substitutions are preferred over deletions over insertions.
func EditDistance(ref, hyp []string) Edits {
	lr, lh := len(ref), len(hyp)
	if lr == 0 {
		return Edits{Insertions: lh}
	}
	if lh == 0 {
		return Edits{Deletions: lr}
	}

	// Single-row DP over the hypothesis, carrying the breakdown with the cost.
	prev := make([]Edits, lh+1)
	for j := 0; j <= lh; j++ {
		prev[j] = Edits{Insertions: j}
	}

	for i := 1; i <= lr; i++ {
		cur := make([]Edits, lh+1)
		cur[0] = Edits{Deletions: i}
		for j := 1; j <= lh; j++ {
			sub := prev[j-1]
			if ref[i-1] != hyp[j-1] {
				sub.Substitutions++
			}
			del := prev[j]
			del.Deletions++
			ins := cur[j-1]
			ins.Insertions++

			m := sub
			if del.Total() < m.Total() {
				m = del
			}
			if ins.Total() < m.Total() {
				m = ins
			}
			cur[j] = m
		}
		prev = cur
	}
	return prev[lh]
}
