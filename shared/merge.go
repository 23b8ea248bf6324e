package shared

// MergeStats folds the statistics of incoming into local and reports whether
// local changed. The newest LastTrackerCheck wins; on equal timestamps the
// higher seeder count wins, then the higher leecher count. Metadata fields of
// local are never touched. Applying the same incoming record twice is a no-op
// the second time.
func MergeStats(local, incoming *Torrent) bool {
	changed := mergeTrackers(local, incoming.Trackers)
	if incoming.LastTrackerCheck.IsZero() {
		return changed
	}
	take := false
	switch {
	case incoming.LastTrackerCheck.After(local.LastTrackerCheck):
		take = true
	case incoming.LastTrackerCheck.Equal(local.LastTrackerCheck):
		if incoming.Seeders != local.Seeders {
			take = incoming.Seeders > local.Seeders
		} else {
			take = incoming.Leechers > local.Leechers
		}
	}
	if !take {
		return changed
	}
	local.Seeders = incoming.Seeders
	local.Leechers = incoming.Leechers
	local.LastTrackerCheck = incoming.LastTrackerCheck
	return true
}

func mergeTrackers(local *Torrent, urls []string) bool {
	changed := false
	for _, u := range urls {
		found := false
		for _, have := range local.Trackers {
			if have == u {
				found = true
				break
			}
		}
		if !found && u != "" {
			local.Trackers = append(local.Trackers, u)
			changed = true
		}
	}
	return changed
}
