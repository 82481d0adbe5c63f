package database

import "github.com/TobiSchelling/rcwatch/internal/feed"

// Stats contains aggregate statistics over the stored history.
type Stats struct {
	TotalEvents     int
	Articles        int
	FirstIngestedAt float64
	LastIngestedAt  float64
	ByAction        map[feed.Action]int
}
