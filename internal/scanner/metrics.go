package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

const (
	outcomeNew       = "new"
	outcomeDuplicate = "duplicate"
)

// Metrics are the counters updated by a scan.
type Metrics struct {
	reports *prometheus.CounterVec
	skipped *prometheus.CounterVec
	records *prometheus.CounterVec
	scans   *prometheus.CounterVec
}

// NewMetrics registers the scan counters with reg. A nil reg keeps the
// counters unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmarcanalyzer_reports_total",
			Help: "Reports found in the mailbox by store outcome.",
		}, []string{"outcome"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmarcanalyzer_messages_skipped_total",
			Help: "Messages skipped because they did not contain a usable report.",
		}, []string{"reason"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmarcanalyzer_records_total",
			Help: "Messages covered by newly stored report records by policy evaluated DKIM and SPF verdict.",
		}, []string{"dkim", "spf"}),
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmarcanalyzer_scans_total",
			Help: "Finished mailbox scans.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeReport(r *dmarc.Report) {
	m.reports.WithLabelValues(outcomeNew).Inc()
	for _, rec := range r.Records {
		m.records.WithLabelValues(verdict(rec.DKIMEval), verdict(rec.SPFEval)).Add(float64(rec.Count))
	}
}

func (m *Metrics) observeScan(err error) {
	if err != nil {
		m.scans.WithLabelValues("error").Inc()
		return
	}
	m.scans.WithLabelValues("ok").Inc()
}

// verdict keeps the label values bounded as the verdicts come from
// untrusted reports.
func verdict(v string) string {
	if v == dmarc.ResultPass {
		return "pass"
	}
	return "fail"
}
