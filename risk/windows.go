package risk

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// KnownRisk 命中的已知高风险日历窗口。
type KnownRisk struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`   // funding / market_open
	Anchor      string `json:"anchor"` // 锚点 "HH:MM" UTC
	MinutesAway int    `json:"minutesAway"`
}

type riskAnchor struct {
	name   string
	kind   string
	minute int // 一天中的分钟
}

// 资金费率结算与主要市场开盘时刻（UTC），固定策略表。
var (
	fundingAnchors = []riskAnchor{
		{"funding_settlement", "funding", 0},
		{"funding_settlement", "funding", 8 * 60},
		{"funding_settlement", "funding", 16 * 60},
	}
	marketOpenAnchors = []riskAnchor{
		{"us_open", "market_open", 13*60 + 30},
		{"eu_open", "market_open", 7 * 60},
		{"asia_open", "market_open", 0},
	}
)

// circularDistance 两个日内分钟在 24h 环上的距离。
func circularDistance(a, b int) int {
	d := (a - b) % minutesPerDay
	if d < 0 {
		d = -d
	}
	if minutesPerDay-d < d {
		return minutesPerDay - d
	}
	return d
}

// KnownRisks 纯函数：t(UTC) 落在哪些已知风险窗口内（含边界）。
func KnownRisks(t time.Time, fundingWindow, marketOpenWindow time.Duration) []KnownRisk {
	t = t.UTC()
	m := t.Hour()*60 + t.Minute()
	var out []KnownRisk
	check := func(anchors []riskAnchor, window time.Duration) {
		w := int(window / time.Minute)
		for _, a := range anchors {
			if d := circularDistance(m, a.minute); d <= w {
				out = append(out, KnownRisk{
					Name:        a.name,
					Kind:        a.kind,
					Anchor:      fmt.Sprintf("%02d:%02d", a.minute/60, a.minute%60),
					MinutesAway: d,
				})
			}
		}
	}
	check(fundingAnchors, fundingWindow)
	check(marketOpenAnchors, marketOpenWindow)
	return out
}
