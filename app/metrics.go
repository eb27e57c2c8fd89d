package app

import (
	"time"

	"github.com/artpar/meterd/ports"
)

type nopMetrics struct{}

func (nopMetrics) EventAccepted(string, int64) {}
func (nopMetrics) EventRejected(string) {}
func (nopMetrics) Decision(string, bool, string) {}
func (nopMetrics) JournalDepth(int) {}
func (nopMetrics) JournalFlush(int, error) {}
func (nopMetrics) JobRun(string, time.Duration, error) {}
func (nopMetrics) RecordsWritten(int) {}
func (nopMetrics) AlertsTransitioned(string, string) {}
func (nopMetrics) LiveCounters(int) {}

func orNop(m ports.Metrics) ports.Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
