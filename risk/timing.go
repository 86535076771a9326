package risk

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Assessment 当前滑点风险。
type Assessment struct {
	Instrument     string      `json:"instrument"`
	Level          Level       `json:"level"`
	Score          float64     `json:"score"`
	Factors        []string    `json:"factors"`
	Recommendation string      `json:"recommendation"`
	KnownRisks     []KnownRisk `json:"knownRisks"`
	Timestamp      time.Time   `json:"timestamp"`
}

// CurrentRisk 加权合成：同时间桶历史均值、近期窗口均值、已知风险窗口惩罚。
// 样本不足的分量不计入，分数不做归一化。
func (m *SlippageModel) CurrentRisk(instrument string) Assessment {
	now := m.clock.Now().UTC()
	out := Assessment{Instrument: instrument, Timestamp: now}

	hist := m.periodStat(instrument, m.PeriodKey(now.Hour(), now.Minute()))
	if hist.Count >= m.cfg.HistoricalMinSamples {
		out.Score += m.cfg.HistoricalWeight * m.slippageScore(hist.Avg)
		out.Factors = append(out.Factors, fmt.Sprintf("historical period avg %.2f bps over %d samples", hist.Avg*1e4, hist.Count))
	}

	m.mu.RLock()
	var recent []float64
	if st, ok := m.state[instrument]; ok {
		recent = append(recent, st.recent...)
	}
	m.mu.RUnlock()
	if len(recent) >= m.cfg.RecentMinSamples {
		avg := mean(recent)
		out.Score += m.cfg.RecentWeight * m.slippageScore(avg)
		out.Factors = append(out.Factors, fmt.Sprintf("recent avg %.2f bps over %d samples", avg*1e4, len(recent)))
	}

	out.KnownRisks = m.KnownRisks(now)
	if len(out.KnownRisks) > 0 {
		out.Score += m.cfg.KnownRiskWeight * 100
		for _, kr := range out.KnownRisks {
			out.Factors = append(out.Factors, fmt.Sprintf("%s window (%s UTC, %d min away)", kr.Name, kr.Anchor, kr.MinutesAway))
		}
	}

	out.Level = ScoreToLevel(out.Score)
	out.Recommendation = recommendation(out.Level)
	m.monitor.UpdateSlippageRisk(instrument, out.Score)
	return out
}

func recommendation(l Level) string {
	switch l {
	case LevelExtreme:
		return "postpone execution"
	case LevelVeryHigh:
		return "delay execution or slice aggressively"
	case LevelHigh:
		return "prefer sliced execution"
	case LevelMedium:
		return "execute with monitoring"
	}
	return "execute normally"
}

// DelayDecision 延迟执行建议。
type DelayDecision struct {
	ShouldDelay     bool          `json:"shouldDelay"`
	Delay           time.Duration `json:"delay"`
	RecommendedTime time.Time     `json:"recommendedTime"`
	Level           Level         `json:"level"`
	Reason          string        `json:"reason"`
}

// ShouldDelayExecution extreme 延迟 2 倍基准，very_high 1 倍，high 且处于已知风险窗口时半倍；
// 若延后时刻仍落在已知风险窗口内，则按固定步长向后搜索，找不到时使用兜底延迟。
func (m *SlippageModel) ShouldDelayExecution(instrument string, size float64) DelayDecision {
	now := m.clock.Now().UTC()
	risk := m.CurrentRisk(instrument)
	out := DelayDecision{Level: risk.Level, RecommendedTime: now}

	var delay time.Duration
	switch {
	case risk.Level == LevelExtreme:
		delay = 2 * m.cfg.BaseDelay
	case risk.Level == LevelVeryHigh:
		delay = m.cfg.BaseDelay
	case risk.Level == LevelHigh && len(risk.KnownRisks) > 0:
		delay = m.cfg.BaseDelay / 2
	default:
		out.Reason = "risk acceptable"
		return out
	}

	candidate := now.Add(delay)
	if len(m.KnownRisks(candidate)) > 0 {
		found := false
		for i := 1; i <= m.cfg.MaxSearchSteps; i++ {
			c := candidate.Add(time.Duration(i) * m.cfg.SearchStep)
			if len(m.KnownRisks(c)) == 0 {
				delay = c.Sub(now)
				found = true
				break
			}
		}
		if !found {
			delay = m.cfg.FallbackDelay
		}
	}

	out.ShouldDelay = true
	out.Delay = delay
	out.RecommendedTime = now.Add(delay)
	out.Reason = fmt.Sprintf("%s slippage risk (score %.1f)", risk.Level, risk.Score)
	m.logger.Info("execution delay recommended",
		zap.String("instrument", instrument),
		zap.Float64("size", size),
		zap.String("level", string(risk.Level)),
		zap.Duration("delay", delay))
	return out
}

// TimeCandidate 候选执行时刻。
type TimeCandidate struct {
	Time        time.Time `json:"time"`
	Period      string    `json:"period"`
	Score       float64   `json:"score"`
	AvgSlippage float64   `json:"avgSlippage"`
	Samples     int       `json:"samples"`
	KnownRisk   bool      `json:"knownRisk"`
}

// OptimalTime 最优执行时刻及最多 3 个备选。
type OptimalTime struct {
	Found        bool            `json:"found"`
	Best         TimeCandidate   `json:"best"`
	Alternatives []TimeCandidate `json:"alternatives"`
}

// OptimalExecutionTime 在 within 内按粒度扫描候选时刻，按历史平均滑点评分取最低。
func (m *SlippageModel) OptimalExecutionTime(instrument string, within time.Duration, avoidKnownRisks bool) OptimalTime {
	if within <= 0 {
		within = 24 * time.Hour
	}
	now := m.clock.Now().UTC()
	end := now.Add(within)

	var cands []TimeCandidate
	for t := now; !t.After(end); t = t.Add(m.cfg.Granularity) {
		known := len(m.KnownRisks(t)) > 0
		if known && avoidKnownRisks {
			continue
		}
		period := m.PeriodKey(t.Hour(), t.Minute())
		stat := m.periodStat(instrument, period)
		c := TimeCandidate{Time: t, Period: period, Score: m.cfg.NeutralScore, KnownRisk: known, Samples: stat.Count}
		if stat.Count > 0 {
			c.AvgSlippage = stat.Avg
			c.Score = m.slippageScore(stat.Avg)
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return OptimalTime{}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score < cands[j].Score })

	out := OptimalTime{Found: true, Best: cands[0]}
	for _, c := range cands[1:] {
		if len(out.Alternatives) == 3 {
			break
		}
		out.Alternatives = append(out.Alternatives, c)
	}
	return out
}

// HeatmapCell 单个时间桶。
type HeatmapCell struct {
	Period      string  `json:"period"`
	AvgSlippage float64 `json:"avgSlippage"`
	MaxSlippage float64 `json:"maxSlippage"`
	Count       int     `json:"count"`
	Level       Level   `json:"level"`
}

// Heatmap 24 x (60/粒度) 网格。
type Heatmap struct {
	Instrument      string          `json:"instrument"`
	Granularity     time.Duration   `json:"granularity"`
	Slots           [][]HeatmapCell `json:"slots"`
	HighRiskPeriods []string        `json:"highRiskPeriods"`
}

// PeriodHeatmap 生成品种的时段热力图，high 及以上标记为高风险时段。
func (m *SlippageModel) PeriodHeatmap(instrument string) Heatmap {
	perHour := int(time.Hour / m.cfg.Granularity)
	step := int(m.cfg.Granularity / time.Minute)
	out := Heatmap{Instrument: instrument, Granularity: m.cfg.Granularity, Slots: make([][]HeatmapCell, 24)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var periods map[string]*PeriodStat
	if st, ok := m.state[instrument]; ok {
		periods = st.periods
	}
	for h := 0; h < 24; h++ {
		row := make([]HeatmapCell, perHour)
		for i := 0; i < perHour; i++ {
			key := PeriodKey(h, i*step, m.cfg.Granularity)
			cell := HeatmapCell{Period: key, Level: LevelVeryLow}
			if p, ok := periods[key]; ok && p.Count > 0 {
				cell.AvgSlippage = p.Avg
				cell.MaxSlippage = p.Max
				cell.Count = p.Count
				cell.Level = ScoreToLevel(m.slippageScore(p.Avg))
			}
			if cell.Level.AtLeast(LevelHigh) {
				out.HighRiskPeriods = append(out.HighRiskPeriods, key)
			}
			row[i] = cell
		}
		out.Slots[h] = row
	}
	return out
}
