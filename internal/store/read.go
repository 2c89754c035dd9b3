package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

const reportColumns = `
	report_id, blob, org_name, email, extra_contact_info,
	date_begin, date_end, policy_domain,
	policy_adkim, policy_aspf, policy_p, policy_sp, policy_pct`

const recordColumns = `
	rec.report, rec.source_ip, rec.count,
	rec.policy_ev_disposition, rec.policy_ev_dkim, rec.policy_ev_spf,
	rec.identifier_header_from,
	rec.auth_dkim_domain, rec.auth_dkim_result, rec.auth_dkim_selector,
	rec.auth_spf_domain, rec.auth_spf_result`

type scanner interface {
	Scan(dest ...any) error
}

// GetDomains returns all known policy domains in lexicographic order.
func (s *Store) GetDomains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM domains ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	domains := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return domains, nil
}

// GetReport returns the report with all its records. Returns ErrNotFound if
// no report with the id exists.
func (s *Store) GetReport(ctx context.Context, reportID string) (*dmarc.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM report WHERE report_id = ?`, reportID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	} else if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM record rec
		WHERE rec.report = ?
		ORDER BY rec.id
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		_, rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		r.Records = append(r.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return r, nil
}

// GetReportsForDomain returns all reports of the domain including their
// records, newest first.
func (s *Store) GetReportsForDomain(ctx context.Context, domain string) ([]dmarc.Report, error) {
	reports, err := s.queryReports(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return reports, nil
	}

	index := make(map[string]int, len(reports))
	for i, r := range reports {
		index[r.ReportID] = i
	}

	// the reports query must be closed before this one runs as the pool
	// only has a single connection
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM record rec
		JOIN report r ON r.report_id = rec.report
		WHERE r.policy_domain = ?
		ORDER BY rec.id
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		reportID, rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		i, ok := index[reportID]
		if !ok {
			continue
		}
		reports[i].Records = append(reports[i].Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return reports, nil
}

func (s *Store) queryReports(ctx context.Context, domain string) ([]dmarc.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM report
		WHERE policy_domain = ?
		ORDER BY date_begin DESC, report_id ASC
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	reports := []dmarc.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}

func scanReport(row scanner) (*dmarc.Report, error) {
	var r dmarc.Report
	err := row.Scan(
		&r.ReportID,
		&r.Blob,
		&r.OrgName,
		&r.Email,
		&r.ExtraContactInfo,
		&r.DateBegin,
		&r.DateEnd,
		&r.PolicyDomain,
		&r.PolicyAdkim,
		&r.PolicyAspf,
		&r.PolicyP,
		&r.PolicySp,
		&r.PolicyPct,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	return &r, nil
}

func scanRecord(row scanner) (string, dmarc.Record, error) {
	var reportID string
	var rec dmarc.Record
	err := row.Scan(
		&reportID,
		&rec.SourceIP,
		&rec.Count,
		&rec.Disposition,
		&rec.DKIMEval,
		&rec.SPFEval,
		&rec.HeaderFrom,
		&rec.DKIMDomain,
		&rec.DKIMResult,
		&rec.DKIMSelector,
		&rec.SPFDomain,
		&rec.SPFResult,
	)
	if err != nil {
		return "", dmarc.Record{}, fmt.Errorf("scan record: %w", err)
	}
	return reportID, rec, nil
}
