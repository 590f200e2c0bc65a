package pipeline

import (
	"time"
)

const clockLayout = "15:04:05"

// Schedule holds the HH:MM:SS instants at which each timeframe closes a candle.
type Schedule map[string]map[string]struct{}

// Has reports whether instant is still scheduled for tf.
func (s Schedule) Has(tf, instant string) bool {
	_, ok := s[tf][instant]
	return ok
}

// BuildSchedule returns the exact and buffer-shifted close instants for every
// timeframe between open and close. The open instant itself is excluded.
func BuildSchedule(open, close time.Time, timeframes []string, durations map[string]time.Duration, bufferSecs int) (exact, buffered Schedule) {
	exact = make(Schedule, len(timeframes))
	buffered = make(Schedule, len(timeframes))
	shift := time.Duration(bufferSecs) * time.Second

	for _, tf := range timeframes {
		exact[tf] = make(map[string]struct{})
		buffered[tf] = make(map[string]struct{})
		d := durations[tf]
		if d <= 0 {
			continue
		}
		for t := open.Add(d); !t.After(close); t = t.Add(d) {
			exact[tf][t.Format(clockLayout)] = struct{}{}
			buffered[tf][t.Add(shift).Format(clockLayout)] = struct{}{}
		}
	}
	return exact, buffered
}

// consume removes a fired instant and its counterpart in the other schedule so
// each scheduled close fires at most once. It returns the scheduled close
// instant (the unshifted time) as HH:MM:SS.
func consume(exact, buffered Schedule, tf, instant string, bufferSecs int) string {
	if exact.Has(tf, instant) {
		delete(exact[tf], instant)
		delete(buffered[tf], shiftClock(instant, bufferSecs))
		return instant
	}
	delete(buffered[tf], instant)
	scheduled := shiftClock(instant, -bufferSecs)
	delete(exact[tf], scheduled)
	return scheduled
}

func shiftClock(instant string, secs int) string {
	t, err := time.Parse(clockLayout, instant)
	if err != nil {
		return instant
	}
	return t.Add(time.Duration(secs) * time.Second).Format(clockLayout)
}
