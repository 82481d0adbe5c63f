package feed

// Detect returns the rows of cur that are new relative to old, in cur's
// order (newest first). A nil old is the baseline poll and yields nothing.
//
// The feed lists articles newest first, so the walk stops at the first row
// that sits exactly at the current position of the previous snapshot:
// everything after it is unchanged.
func Detect(old, cur Snapshot) []ChangeEvent {
	if old == nil {
		return nil
	}

	pos := make(map[string]int, len(old))
	for i, e := range old {
		pos[e.Article] = i
	}

	var fresh []ChangeEvent
	cursor := 0
	for _, e := range cur {
		if _, seen := pos[e.Article]; !seen {
			fresh = append(fresh, e)
			continue
		}

		// pos still holds old[cursor].Article here.
		if cursor < len(old) && old[cursor].SameChange(e) {
			break
		}

		delete(pos, e.Article)
		for cursor < len(old) {
			if _, ok := pos[old[cursor].Article]; ok {
				break
			}
			cursor++
		}
		fresh = append(fresh, e)
	}
	return fresh
}

// Reverse returns events in the opposite order, leaving the input intact.
func Reverse(events []ChangeEvent) []ChangeEvent {
	out := make([]ChangeEvent, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}
