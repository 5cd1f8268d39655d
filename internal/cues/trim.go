package cues

import "math"

// EffectiveDuration returns the playable length in seconds of a source of
// length known after applying optional start/end trim offsets. The result is
// always within [0, known].
func EffectiveDuration(known float64, trimStart, trimEnd *float64) float64 {
	if known <= 0 || math.IsNaN(known) {
		return 0
	}

	start := 0.0
	if trimStart != nil && *trimStart > 0 {
		start = *trimStart
	}
	endValid := trimEnd != nil && *trimEnd > 0

	if start > 0 {
		effective := math.Max(0, known-start)
		if endValid && *trimEnd > start {
			effective = math.Min(effective, *trimEnd-start)
		}
		return effective
	}
	if endValid && *trimEnd < known {
		return math.Min(known, *trimEnd)
	}
	return known
}

// EffectiveCueDuration is the duration shown for an idle cue. Playlists report
// their aggregate known duration; trims apply per item, not to the total.
func EffectiveCueDuration(c Cue) float64 {
	known := 0.0
	if c.KnownDuration != nil {
		known = *c.KnownDuration
	}
	if c.Type == TypePlaylist {
		return math.Max(0, known)
	}
	return EffectiveDuration(known, c.TrimStartTime, c.TrimEndTime)
}

// EffectiveItemDuration applies an item's own trims to its known duration.
func EffectiveItemDuration(item PlaylistItem) float64 {
	known := 0.0
	if item.KnownDuration != nil {
		known = *item.KnownDuration
	}
	return EffectiveDuration(known, item.TrimStartTime, item.TrimEndTime)
}

// AggregateDuration sums the untrimmed known durations of a playlist's items.
// ok is false when any item has no valid duration yet.
func AggregateDuration(items []PlaylistItem) (total float64, ok bool) {
	ok = true
	for _, item := range items {
		if !ValidDuration(item.KnownDuration) {
			ok = false
			continue
		}
		total += *item.KnownDuration
	}
	return total, ok
}
