// Package usage provides usage event types, metrics and aggregation functions.
// All functions are pure - no side effects.
package usage

// Metric identifies a metered resource. Quantities are integers in the
// metric's base unit (calls, bytes, seconds, minutes, messages).
type Metric string

const (
	MetricAPICalls           Metric = "api_calls"
	MetricStorageBytes       Metric = "storage_bytes"
	MetricBandwidthBytes     Metric = "bandwidth_bytes"
	MetricComputeSeconds     Metric = "compute_seconds"
	MetricDatabaseQueries    Metric = "database_queries"
	MetricWebsocketMinutes   Metric = "websocket_minutes"
	MetricChatbotMessages    Metric = "chatbot_messages"
	MetricEmailsSent         Metric = "emails_sent"
	MetricEnrichmentRequests Metric = "enrichment_requests"
	MetricSetupAgentSessions Metric = "setup_agent_sessions"
)

// Metrics lists every known metric in reporting order.
var Metrics = []Metric{
	MetricAPICalls,
	MetricStorageBytes,
	MetricBandwidthBytes,
	MetricComputeSeconds,
	MetricDatabaseQueries,
	MetricWebsocketMinutes,
	MetricChatbotMessages,
	MetricEmailsSent,
	MetricEnrichmentRequests,
	MetricSetupAgentSessions,
}

// Product names used for per-product cost lines.
const (
	ProductPlatform   = "platform"
	ProductChatbot    = "chatbot"
	ProductOutreach   = "outreach"
	ProductEnrichment = "enrichment"
	ProductSetupAgent = "setup_agent"
)

// ParseMetric returns the metric named s.
func ParseMetric(s string) (Metric, bool) {
	m := Metric(s)
	return m, m.Valid()
}

// Valid reports whether m is one of the known metrics.
func (m Metric) Valid() bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}

// Windowed reports whether the metric is tracked in per-minute and
// per-day rolling windows in addition to its period counter.
func (m Metric) Windowed() bool {
	return m == MetricAPICalls
}

// Product returns the AI product that generates the metric, or
// ProductPlatform for shared infrastructure metrics.
func (m Metric) Product() string {
	switch m {
	case MetricChatbotMessages:
		return ProductChatbot
	case MetricEmailsSent:
		return ProductOutreach
	case MetricEnrichmentRequests:
		return ProductEnrichment
	case MetricSetupAgentSessions:
		return ProductSetupAgent
	default:
		return ProductPlatform
	}
}

// Counts holds a quantity per metric.
type Counts map[Metric]int64

// Get returns the count for m, zero when absent.
func (c Counts) Get(m Metric) int64 {
	return c[m]
}

// Add returns a new Counts holding c + other.
func (c Counts) Add(other Counts) Counts {
	out := make(Counts, len(c)+len(other))
	for m, v := range c {
		out[m] = v
	}
	for m, v := range other {
		out[m] += v
	}
	return out
}

// Total sums every metric. Only meaningful for conservation checks.
func (c Counts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}
