package training

import (
	"fmt"
)

// earlyEpochWindow is the number of initial epochs that always measure,
// so early-training diagnostics are never missed regardless of the
// configured schedule.
const earlyEpochWindow = 10

// EpochDecision is the schedule's verdict for one epoch. It is derived
// on demand and never stored.
type EpochDecision struct {
	Epoch      int
	Checkpoint bool
	Measure    bool
}

// EpochSchedule decides, independent of the training step itself, when
// to snapshot weights and when to run diagnostic measurement. It is a
// pure function of its configuration: repeated calls with the same
// epoch yield identical decisions.
type EpochSchedule struct {
	logEpochs    map[int]bool
	hasLogEpochs bool
	interval     int

	// Optional checkpoint-only policy. When absent, checkpointing
	// follows the measurement decision; the two stay independently
	// computable either way.
	checkpointEpochs    map[int]bool
	hasCheckpointEpochs bool
}

// NewEpochSchedule builds a schedule from the configured explicit
// log-epochs list, an interval fallback, and an optional separate
// checkpoint-epochs list. The explicit list takes precedence over the
// interval; the interval applies only when no list is configured.
func NewEpochSchedule(logEpochs []int, interval int, checkpointEpochs []int) *EpochSchedule {
	s := &EpochSchedule{
		logEpochs:        make(map[int]bool, len(logEpochs)),
		checkpointEpochs: make(map[int]bool, len(checkpointEpochs)),
		interval:         interval,
	}
	for _, e := range logEpochs {
		s.logEpochs[e] = true
	}
	s.hasLogEpochs = len(logEpochs) > 0
	for _, e := range checkpointEpochs {
		s.checkpointEpochs[e] = true
	}
	s.hasCheckpointEpochs = len(checkpointEpochs) > 0
	return s
}

// Decide returns the decision for the given epoch. A negative epoch is
// a programming-contract violation and panics.
func (s *EpochSchedule) Decide(epoch int) EpochDecision {
	if epoch < 0 {
		panic(fmt.Sprintf("epoch index must be non-negative, got %d", epoch))
	}

	measure := epoch < earlyEpochWindow
	if !measure {
		if s.hasLogEpochs {
			measure = s.logEpochs[epoch]
		} else if s.interval > 0 {
			measure = epoch%s.interval == 0
		}
	}

	checkpoint := measure
	if s.hasCheckpointEpochs {
		checkpoint = s.checkpointEpochs[epoch]
	}

	return EpochDecision{
		Epoch:      epoch,
		Checkpoint: checkpoint,
		Measure:    measure,
	}
}
