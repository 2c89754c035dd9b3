package store

import (
	"context"
	"fmt"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

// BasicStats sums the message counts of a domain by policy evaluated
// DKIM and SPF verdict.
type BasicStats struct {
	DKIMPassed int64 `json:"dkim_passed"`
	SPFPassed  int64 `json:"spf_passed"`
	DKIMFailed int64 `json:"dkim_failed"`
	SPFFailed  int64 `json:"spf_failed"`
}

// DispositionStats sums the message counts of a domain that got a
// disposition applied.
type DispositionStats struct {
	Count      int64 `json:"count"`
	DKIMPassed int64 `json:"dkim_passed"`
	SPFPassed  int64 `json:"spf_passed"`
}

// GetBasicStats returns the stats of every known domain for reports that
// began within the last days days, counted in whole UTC days. Domains
// without matching reports are included with all counters at zero.
func (s *Store) GetBasicStats(ctx context.Context, days int) (map[string]BasicStats, error) {
	start := windowStart(s.now(), days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			d.domain,
			COALESCE(SUM(CASE WHEN rec.policy_ev_dkim = ?1 THEN rec.count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN rec.policy_ev_spf = ?1 THEN rec.count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN rec.policy_ev_dkim != ?1 THEN rec.count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN rec.policy_ev_spf != ?1 THEN rec.count ELSE 0 END), 0)
		FROM domains d
		LEFT JOIN report r ON r.policy_domain = d.domain AND r.date_begin >= ?2
		LEFT JOIN record rec ON rec.report = r.report_id
		GROUP BY d.domain
	`, dmarc.ResultPass, start)
	if err != nil {
		return nil, fmt.Errorf("query basic stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]BasicStats)
	for rows.Next() {
		var domain string
		var st BasicStats
		if err := rows.Scan(&domain, &st.DKIMPassed, &st.SPFPassed, &st.DKIMFailed, &st.SPFFailed); err != nil {
			return nil, fmt.Errorf("scan basic stats: %w", err)
		}
		stats[domain] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate basic stats: %w", err)
	}
	return stats, nil
}

// GetDispositionStats returns per domain and disposition counts for reports
// within the same window as GetBasicStats. Every known domain has an entry,
// possibly an empty one.
func (s *Store) GetDispositionStats(ctx context.Context, days int) (map[string]map[string]DispositionStats, error) {
	domains, err := s.GetDomains(ctx)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]map[string]DispositionStats, len(domains))
	for _, d := range domains {
		stats[d] = make(map[string]DispositionStats)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			r.policy_domain,
			rec.policy_ev_disposition,
			SUM(rec.count),
			SUM(CASE WHEN rec.policy_ev_dkim = ?1 THEN rec.count ELSE 0 END),
			SUM(CASE WHEN rec.policy_ev_spf = ?1 THEN rec.count ELSE 0 END)
		FROM report r
		JOIN record rec ON rec.report = r.report_id
		WHERE r.date_begin >= ?2
		GROUP BY r.policy_domain, rec.policy_ev_disposition
	`, dmarc.ResultPass, windowStart(s.now(), days))
	if err != nil {
		return nil, fmt.Errorf("query disposition stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var domain, disposition string
		var st DispositionStats
		if err := rows.Scan(&domain, &disposition, &st.Count, &st.DKIMPassed, &st.SPFPassed); err != nil {
			return nil, fmt.Errorf("scan disposition stats: %w", err)
		}
		if _, ok := stats[domain]; !ok {
			stats[domain] = make(map[string]DispositionStats)
		}
		stats[domain][disposition] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disposition stats: %w", err)
	}
	return stats, nil
}
