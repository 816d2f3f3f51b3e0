package thread

// Expansion is the outcome of admitting new members against the cap.
type Expansion struct {
	// PendingAdds in admission order: the author first when admitted, then mentions.
	PendingAdds []string
	// Dropped counts distinct non-member candidates that did not fit.
	Dropped int
}

// ExpandMembership computes the minimal set of new members without exceeding
// maxMembers. Candidates beyond the cap are dropped, not reported as errors.
func ExpandMembership(current []string, maxMembers int, authorID string, candidates []string) Expansion {
	members := make(map[string]struct{}, len(current))
	for _, uid := range current {
		members[uid] = struct{}{}
	}
	free := maxMembers - len(members)

	var exp Expansion
	queued := make(map[string]struct{}, len(candidates)+1)
	admit := func(uid string) {
		if uid == "" {
			return
		}
		if _, ok := members[uid]; ok {
			return
		}
		if _, ok := queued[uid]; ok {
			return
		}
		queued[uid] = struct{}{}
		if len(exp.PendingAdds) >= free {
			exp.Dropped++
			return
		}
		exp.PendingAdds = append(exp.PendingAdds, uid)
	}

	admit(authorID)
	for _, uid := range candidates {
		admit(uid)
	}
	return exp
}
