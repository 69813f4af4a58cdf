package domain

import "time"

// CycleStats holds statistics about one poll cycle.
type CycleStats struct {
	CycleID     string
	Fetched     int
	Skipped     int // entries the normalizer rejected
	Duplicates  int // entries collapsed into an earlier one with the same id
	New         int
	Late        int // new articles dated before the high-water mark
	Dispatched  int
	Confirmed   int
	Failed      int
	Deferred    int // new articles left for a later cycle
	ColdStart   bool
	NotModified bool
	Committed   bool
	PerChannel  map[string]*ChannelStats
	Duration    time.Duration
}

type ChannelStats struct {
	Delivered  int
	Duplicates int
	Failed     int
}

func (s *CycleStats) Record(a PublishAttempt) {
	if s.PerChannel == nil {
		s.PerChannel = make(map[string]*ChannelStats)
	}
	cs, ok := s.PerChannel[a.Destination.Channel]
	if !ok {
		cs = &ChannelStats{}
		s.PerChannel[a.Destination.Channel] = cs
	}
	switch a.Outcome {
	case OutcomeDelivered:
		cs.Delivered++
	case OutcomeDuplicate:
		cs.Duplicates++
	default:
		cs.Failed++
	}
}
