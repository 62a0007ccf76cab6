package canbus

// FrameFilter selects frames for a consumer such as the frame logger or a
// stream subscriber. The nil FrameFilter selects every frame.
type FrameFilter func(Frame) bool

// Match applies f; nil matches.
func (f FrameFilter) Match(frame Frame) bool {
	return f == nil || f(frame)
}

// ByIDs selects frames whose identifier is one of ids.
func ByIDs(ids ...uint32) FrameFilter {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(f Frame) bool { return set[f.ID] }
}

// ByMask selects frames with frame.ID&mask == id&mask. With mask
// 0x03FFFF00 it selects a J1939 parameter group from any source.
func ByMask(id, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return f.ID&mask == want }
}

// Extended selects frames with a 29-bit identifier.
var Extended FrameFilter = func(f Frame) bool { return f.Extended }

// All selects frames every filter selects. Nil filters are skipped, so
// All() matches everything.
func All(filters ...FrameFilter) FrameFilter {
	var set []FrameFilter
	for _, f := range filters {
		if f != nil {
			set = append(set, f)
		}
	}
	switch len(set) {
	case 0:
		return nil
	case 1:
		return set[0]
	}
	return func(fr Frame) bool {
		for _, f := range set {
			if !f(fr) {
				return false
			}
		}
		return true
	}
}

// Any selects frames at least one filter selects. A nil filter matches
// everything, and so does the result.
func Any(filters ...FrameFilter) FrameFilter {
	for _, f := range filters {
		if f == nil {
			return nil
		}
	}
	if len(filters) == 1 {
		return filters[0]
	}
	set := append([]FrameFilter(nil), filters...)
	return func(fr Frame) bool {
		for _, f := range set {
			if f(fr) {
				return true
			}
		}
		return false
	}
}

// Not inverts f. Not(nil) matches nothing.
func Not(f FrameFilter) FrameFilter {
	return func(fr Frame) bool { return !f.Match(fr) }
}
