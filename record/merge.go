// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package record

// MergeShallow unions top-level keys with local values overriding remote
// on collision. Nested objects are taken wholesale from the winning side.
func MergeShallow(local, remote Record) Record {
	out := Record{}
	for k, v := range remote {
		out[k] = cloneValue(v)
	}
	for k, v := range local {
		out[k] = cloneValue(v)
	}
	return out
}

// MergeDeep recursively unions both records. Keys present on one side copy
// through. Nested objects merge key by key. Scalar and array collisions
// resolve toward the side with the larger timestamp; a nested object pair
// that carries its own timestamp fields re-arbitrates its subtree. Ties
// keep local.
func MergeDeep(local, remote Record) Record {
	localWins := Timestamp(local) >= Timestamp(remote)
	merged := mergeDeepMaps(map[string]any(local), map[string]any(remote), localWins)
	return Record(merged)
}

func mergeDeepMaps(local, remote map[string]any, localWins bool) map[string]any {
	lts := Timestamp(Record(local))
	rts := Timestamp(Record(remote))
	if lts != 0 || rts != 0 {
		localWins = lts >= rts
	}
	out := make(map[string]any, len(local)+len(remote))
	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = cloneValue(rv)
			continue
		}
		out[k] = mergeDeepValue(lv, rv, localWins)
	}
	for k, lv := range local {
		if _, ok := remote[k]; ok {
			continue
		}
		out[k] = cloneValue(lv)
	}
	return out
}

func mergeDeepValue(lv, rv any, localWins bool) any {
	lm, lIsMap := asMap(lv)
	rm, rIsMap := asMap(rv)
	if lIsMap && rIsMap {
		return mergeDeepMaps(lm, rm, localWins)
	}
	if equalValue(lv, rv) {
		return cloneValue(lv)
	}
	if localWins {
		return cloneValue(lv)
	}
	return cloneValue(rv)
}
