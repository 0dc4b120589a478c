// Package view implements leader view selection and tie-break (§4.5). When
// multiple peer views for the same asset exceed threshold, the leader must
// deterministically pick one so that all honest leaders converge on the same
// choice; the source left this as a TODO, so the choice and its rationale
// are recorded here rather than guessed.
package view

import (
	"encoding/json"
	"sort"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// Select picks the winning view among candidates for the same asset:
// largest instruction_set size first, lexicographically smallest minimum
// instruction_id as the tie-break. All honest leaders observing the same
// candidate set pick the same winner. Remaining candidates are reported
// separately for the caller to mark NotChosen.
func Select(candidates []store.View) (winner store.View, rest []store.View, ok bool) {
	if len(candidates) == 0 {
		return store.View{}, nil, false
	}
	type scored struct {
		v       store.View
		size    int
		minID   ids.InstructionID
	}
	scoredViews := make([]scored, 0, len(candidates))
	for _, v := range candidates {
		set, err := decodeInstructionSet(v.InstructionSet)
		if err != nil || len(set) == 0 {
			continue
		}
		min := set[0]
		for _, id := range set[1:] {
			if id.String() < min.String() {
				min = id
			}
		}
		scoredViews = append(scoredViews, scored{v: v, size: len(set), minID: min})
	}
	if len(scoredViews) == 0 {
		return store.View{}, nil, false
	}
	sort.SliceStable(scoredViews, func(i, j int) bool {
		if scoredViews[i].size != scoredViews[j].size {
			return scoredViews[i].size > scoredViews[j].size
		}
		return scoredViews[i].minID.String() < scoredViews[j].minID.String()
	})

	winner = scoredViews[0].v
	rest = make([]store.View, 0, len(scoredViews)-1)
	for _, sv := range scoredViews[1:] {
		rest = append(rest, sv.v)
	}
	// Views that failed to decode or carry an empty instruction set are not
	// candidates; they are appended to rest after the ranked losers, so the
	// caller handles them together with the other non-winning views.
	if len(scoredViews) < len(candidates) {
		decodedIDs := make(map[string]bool, len(scoredViews))
		for _, sv := range scoredViews {
			decodedIDs[string(sv.v.ID)] = true
		}
		for _, v := range candidates {
			if !decodedIDs[string(v.ID)] {
				rest = append(rest, v)
			}
		}
	}
	return winner, rest, true
}

func decodeInstructionSet(raw store.JSON) ([]ids.InstructionID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, err
	}
	out := make([]ids.InstructionID, len(strs))
	for i, s := range strs {
		out[i] = ids.InstructionID(s)
	}
	return out, nil
}

// EncodeInstructionSet serializes a slice of instruction IDs into the JSON
// array format stored in View.InstructionSet / InvalidInstructionSet.
func EncodeInstructionSet(set []ids.InstructionID) store.JSON {
	strs := make([]string, len(set))
	for i, id := range set {
		strs[i] = id.String()
	}
	data, _ := json.Marshal(strs)
	return data
}

// DecodeInstructionSet exposes decodeInstructionSet for other packages
// (selector, worker) that need to read a View's instruction set back out.
func DecodeInstructionSet(raw store.JSON) ([]ids.InstructionID, error) {
	return decodeInstructionSet(raw)
}
