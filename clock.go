package stageplan

import "github.com/zoobzio/clockz"

// Clock provides time operations for deterministic testing of the shuffle
// writer's repart_time/write_time accumulators.
type Clock = clockz.Clock

// RealClock is the default Clock using standard time.
var RealClock Clock = clockz.RealClock
