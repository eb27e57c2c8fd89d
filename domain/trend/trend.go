// Package trend computes usage trends, forecasts and exhaustion predictions
// from closed usage records. All functions are pure.
package trend

import (
	"math"
	"sort"
	"time"

	"github.com/artpar/meterd/domain/usage"
)

// Period is the grouping used for trend points.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod returns the period named s.
func ParsePeriod(s string) (Period, bool) {
	switch p := Period(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, true
	}
	return "", false
}

// Direction is the overall movement of a series.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
	DirectionStable     Direction = "stable"
)

// Method selects how growth is measured.
type Method string

const (
	MethodEndpoints  Method = "endpoints"  // (last - first) / (n - 1)
	MethodRegression Method = "regression" // least-squares slope
)

// Config controls trend computation.
type Config struct {
	Method       Method
	MinPoints    int     // fewer points than this yields no forecast
	StableBand   float64 // |growth| below this fraction of the average is stable
	FullSupportN int     // points needed for full confidence
}

// DefaultConfig returns the default trend settings.
func DefaultConfig() Config {
	return Config{Method: MethodEndpoints, MinPoints: 3, StableBand: 0.01, FullSupportN: 6}
}

// Point is the usage of one period.
type Point struct {
	PeriodStart time.Time `json:"periodStart"`
	Value       int64     `json:"value"`
}

// Forecast is the predicted value of the next period.
type Forecast struct {
	PeriodStart time.Time `json:"periodStart"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
}

// Trend summarizes a metric's usage over recent periods. Forecast is nil
// when there are too few points to support one.
type Trend struct {
	OrganizationID string          `json:"organizationId"`
	Metric         usage.Metric    `json:"metric"`
	Period         Period          `json:"period"`
	Points         []Point         `json:"points"`
	Average        float64         `json:"average"`
	Min            int64           `json:"min"`
	Max            int64           `json:"max"`
	Direction      Direction       `json:"direction"`
	GrowthRate     float64         `json:"growthRate"`    // units per period
	GrowthPercent  float64         `json:"growthPercent"` // growth rate relative to the first point
	Forecast       *Forecast       `json:"forecast"`
	Freshness      usage.Freshness `json:"freshness"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

// Bucket returns the start of the period containing t.
func Bucket(p Period, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7 // weeks start on Monday
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Next returns the start of the period after start.
func Next(p Period, start time.Time) time.Time {
	switch p {
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Group regroups records into points for one metric, oldest first. A
// record contributes to the bucket containing its period start.
func Group(records []usage.Record, m usage.Metric, p Period) []Point {
	sums := make(map[time.Time]int64)
	for _, r := range records {
		sums[Bucket(p, r.PeriodStart)] += r.Counts[m]
	}
	points := make([]Point, 0, len(sums))
	for start, v := range sums {
		points = append(points, Point{PeriodStart: start, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].PeriodStart.Before(points[j].PeriodStart) })
	return points
}

// Compute derives statistics, direction and forecast from points ordered
// oldest first.
// This is a PURE function.
func Compute(points []Point, p Period, cfg Config) Trend {
	t := Trend{Period: p, Points: points, Direction: DirectionStable, Freshness: usage.FreshnessLive}
	if len(points) == 0 {
		t.Points = []Point{}
		t.Freshness = usage.FreshnessNoData
		return t
	}

	var sum int64
	t.Min, t.Max = points[0].Value, points[0].Value
	for _, pt := range points {
		sum += pt.Value
		t.Min = min(t.Min, pt.Value)
		t.Max = max(t.Max, pt.Value)
	}
	n := len(points)
	t.Average = float64(sum) / float64(n)

	if n < 2 {
		return t
	}

	slope, intercept, r2 := regression(points)
	switch cfg.Method {
	case MethodRegression:
		t.GrowthRate = slope
	default:
		t.GrowthRate = float64(points[n-1].Value-points[0].Value) / float64(n-1)
	}
	if first := points[0].Value; first > 0 {
		t.GrowthPercent = t.GrowthRate / float64(first) * 100
	}

	band := cfg.StableBand * t.Average
	switch {
	case t.GrowthRate > band && t.GrowthRate > 0:
		t.Direction = DirectionIncreasing
	case t.GrowthRate < -band && t.GrowthRate < 0:
		t.Direction = DirectionDecreasing
	}

	minPoints := cfg.MinPoints
	if minPoints < 2 {
		minPoints = 2
	}
	if n < minPoints {
		return t
	}

	var value float64
	if cfg.Method == MethodRegression {
		value = intercept + slope*float64(n)
	} else {
		value = float64(points[n-1].Value) + t.GrowthRate
	}
	full := cfg.FullSupportN
	if full <= 0 {
		full = minPoints
	}
	support := math.Min(1, float64(n)/float64(full))
	t.Forecast = &Forecast{
		PeriodStart: Next(p, points[n-1].PeriodStart),
		Value:       math.Max(0, value),
		Confidence:  round(r2*support, 4),
	}
	return t
}

// regression fits value = intercept + slope*i over i = 0..n-1 and returns
// the coefficient of determination. A flat series fits perfectly.
func regression(points []Point) (slope, intercept, r2 float64) {
	n := float64(len(points))
	var sx, sy, sxx, sxy float64
	for i, pt := range points {
		x, y := float64(i), float64(pt.Value)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n, 1
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n

	mean := sy / n
	var ssTot, ssRes float64
	for i, pt := range points {
		y := float64(pt.Value)
		fit := intercept + slope*float64(i)
		ssTot += (y - mean) * (y - mean)
		ssRes += (y - fit) * (y - fit)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}
	return slope, intercept, math.Max(0, 1-ssRes/ssTot)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Exhaustion predicts when used reaches limit, growing by growthRate units
// per period of length span: now + remaining/growthRate periods. It
// returns nil when the metric is unlimited or growth is flat or falling.
// An exhaustion date at or past periodEnd is reported as safe, since the
// allowance resets first.
// This is a PURE function.
func Exhaustion(used, limit int64, growthRate float64, span time.Duration, now, periodEnd time.Time) *usage.Prediction {
	if limit <= 0 {
		return nil
	}
	if used >= limit {
		return &usage.Prediction{Status: usage.PredictionExhausted}
	}
	if growthRate <= 0 || span <= 0 {
		return nil
	}
	periods := float64(limit-used) / growthRate
	at := now.Add(time.Duration(periods * float64(span))).UTC().Round(time.Second)
	if !at.Before(periodEnd) {
		return &usage.Prediction{Status: usage.PredictionSafe}
	}
	return &usage.Prediction{Status: usage.PredictionExhausts, ExhaustsAt: at}
}
