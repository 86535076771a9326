package risk

import (
	"fmt"
	"time"
)

// Level 滑点风险等级。
type Level string

const (
	LevelVeryLow  Level = "very_low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
	LevelExtreme  Level = "extreme"
)

// Rank 0(very_low) .. 5(extreme)，未知等级为 -1。
func (l Level) Rank() int {
	switch l {
	case LevelVeryLow:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelVeryHigh:
		return 4
	case LevelExtreme:
		return 5
	}
	return -1
}

// AtLeast 是否不低于 o。
func (l Level) AtLeast(o Level) bool { return l.Rank() >= o.Rank() }

// ScoreToLevel 分数(0-100)到等级；边界值归入较低档。
func ScoreToLevel(score float64) Level {
	switch {
	case score <= 15:
		return LevelVeryLow
	case score <= 30:
		return LevelLow
	case score <= 50:
		return LevelMedium
	case score <= 70:
		return LevelHigh
	case score <= 85:
		return LevelVeryHigh
	}
	return LevelExtreme
}

// PeriodKey 把 UTC 时分按粒度向下取整为 "HH:MM"。
func PeriodKey(hour, minute int, granularity time.Duration) string {
	g := int(granularity / time.Minute)
	if g <= 0 {
		g = 1
	}
	return fmt.Sprintf("%02d:%02d", hour, (minute/g)*g)
}
