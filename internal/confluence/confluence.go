package confluence

import (
	"math"

	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/types"
)

// Config weights timeframes (shorter weighted highest) and defines which
// frames count as higher timeframes for the opposition penalty.
type Config struct {
	Weights           map[market.Timeframe]float64 `yaml:"weights"`
	HigherTimeframes  []market.Timeframe           `yaml:"higher_timeframes"`
	OppositionPenalty float64                      `yaml:"opposition_penalty"`
	NeutralReturnPct  float64                      `yaml:"neutral_return_pct"`
}

// DefaultConfig weights 15m/1h/4h/1d as .4/.3/.2/.1.
func DefaultConfig() Config {
	return Config{
		Weights: map[market.Timeframe]float64{
			market.TF15m: 0.40,
			market.TF1h:  0.30,
			market.TF4h:  0.20,
			market.TF1d:  0.10,
		},
		HigherTimeframes:  []market.Timeframe{market.TF4h, market.TF1d},
		OppositionPenalty: 15,
		NeutralReturnPct:  0.05,
	}
}

// FrameScore is the contribution of one timeframe.
type FrameScore struct {
	Timeframe   market.Timeframe `json:"timeframe"`
	TrendScore  float64          `json:"trend_score"`
	ReturnScore float64          `json:"return_score"`
	Score       float64          `json:"score"`
	Weight      float64          `json:"weight"`
}

// Result is a 0-100 alignment score for one candidate direction.
type Result struct {
	Side           types.Side   `json:"side"`
	Score          float64      `json:"score"`
	Frames         []FrameScore `json:"frames"`
	PenaltyApplied bool         `json:"penalty_applied"`
	OpposingFrames []string     `json:"opposing_frames,omitempty"`
}

// Scorer rates how well the timeframes agree with a side.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given weights.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

func alignmentScore(a int) float64 {
	switch {
	case a > 0:
		return 100
	case a < 0:
		return 0
	default:
		return 50
	}
}

func (s *Scorer) returnAlignment(side types.Side, ret float64) int {
	if math.Abs(ret) < s.cfg.NeutralReturnPct {
		return 0
	}
	if (ret > 0) == (side == types.SideLong) {
		return 1
	}
	return -1
}

func (s *Scorer) isHigher(tf market.Timeframe) bool {
	for _, h := range s.cfg.HigherTimeframes {
		if h == tf {
			return true
		}
	}
	return false
}

// Score computes the weighted alignment of frames with side. Frames without a
// configured weight are ignored, and weights are renormalized over the frames
// present. With no usable frames the score is 0.
func (s *Scorer) Score(side types.Side, frames []market.TimeframeSnapshot) Result {
	res := Result{Side: side}

	var weighted, totalWeight float64
	for _, f := range frames {
		w, ok := s.cfg.Weights[f.Timeframe]
		if !ok || w <= 0 {
			continue
		}
		trendAlign := f.Trend.Aligned(side)
		retAlign := s.returnAlignment(side, f.ReturnPct)

		fs := FrameScore{
			Timeframe:   f.Timeframe,
			TrendScore:  alignmentScore(trendAlign),
			ReturnScore: alignmentScore(retAlign),
			Weight:      w,
		}
		fs.Score = (fs.TrendScore + fs.ReturnScore) / 2
		res.Frames = append(res.Frames, fs)

		weighted += w * fs.Score
		totalWeight += w

		if s.isHigher(f.Timeframe) && trendAlign < 0 && retAlign < 0 {
			res.OpposingFrames = append(res.OpposingFrames, string(f.Timeframe))
		}
	}

	if totalWeight == 0 {
		return res
	}

	score := weighted / totalWeight
	if len(res.OpposingFrames) > 0 {
		score -= s.cfg.OppositionPenalty
		res.PenaltyApplied = true
	}
	res.Score = math.Max(0, math.Min(100, score))
	return res
}
