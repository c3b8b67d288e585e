package heartbeat

import (
	"fmt"
	"time"
)

// Quality is a coarse classification of the last measured round-trip time.
type Quality int

const (
	QualityDisconnected Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 300 * time.Millisecond
)

func (q Quality) String() string {
	switch q {
	case QualityDisconnected:
		return "disconnected"
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Classify maps a round-trip time to a Quality.
func Classify(rtt time.Duration) Quality {
	switch {
	case rtt < excellentBelow:
		return QualityExcellent
	case rtt < goodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}
