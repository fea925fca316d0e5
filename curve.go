package loom

import (
	"time"
)

// Curve is the idle-park escalation ladder: each consecutive empty loop
// iteration parks the worker for the next timeout on the curve, and any
// productive iteration steps back down. Short waits keep wake latency low
// under load; longer waits cap idle CPU burn.
type Curve []time.Duration

var defaultCurve = Curve{
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	15 * time.Millisecond,
	50 * time.Millisecond,
}

func newTransmission(curve Curve) *transmission {
	times := make([]time.Duration, 0, len(curve))
	for _, timeout := range curve {
		if timeout < 1 {
			continue
		}
		times = append(times, timeout)
	}
	if len(times) == 0 {
		times = append(times, defaultCurve...)
	}
	return &transmission{
		curve: times,
		idx:   -1,
	}
}

type transmission struct {
	curve []time.Duration
	idx   int
}

func (tran *transmission) Up() time.Duration {
	if tran.idx < len(tran.curve)-1 {
		tran.idx++
	}
	return tran.curve[tran.idx]
}

func (tran *transmission) Down() time.Duration {
	if tran.idx > 0 {
		tran.idx--
	}
	if tran.idx < 0 {
		return tran.curve[0]
	}
	return tran.curve[tran.idx]
}
