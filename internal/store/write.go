package store

import (
	"context"
	"fmt"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

// InsertReport stores the report together with all its records in one
// transaction. It returns false without modifying anything if a report with
// the same report id already exists. The policy domain is added to the
// domain index in both cases.
func (s *Store) InsertReport(ctx context.Context, r *dmarc.Report) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin tx: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO domains (domain) VALUES (?)
		ON CONFLICT(domain) DO NOTHING
	`, r.PolicyDomain); err != nil {
		return false, fmt.Errorf("%w: insert domain: %v", ErrTransactionFailed, err)
	}

	// the unique index on report_id is the authoritative duplicate check
	result, err := tx.ExecContext(ctx, `
		INSERT INTO report (
			report_id, blob, org_name, email, extra_contact_info,
			date_begin, date_end, policy_domain,
			policy_adkim, policy_aspf, policy_p, policy_sp, policy_pct
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO NOTHING
	`,
		r.ReportID,
		blob(r.Blob),
		r.OrgName,
		r.Email,
		r.ExtraContactInfo,
		r.DateBegin,
		r.DateEnd,
		r.PolicyDomain,
		r.PolicyAdkim,
		r.PolicyAspf,
		r.PolicyP,
		r.PolicySp,
		r.PolicyPct,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert report: %v", ErrTransactionFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrTransactionFailed, err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("report already exists", "report_id", r.ReportID)
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
		}
		return false, nil
	}

	for i, rec := range r.Records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record (
				report, source_ip, count,
				policy_ev_disposition, policy_ev_dkim, policy_ev_spf,
				identifier_header_from,
				auth_dkim_domain, auth_dkim_result, auth_dkim_selector,
				auth_spf_domain, auth_spf_result
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.ReportID,
			rec.SourceIP,
			rec.Count,
			rec.Disposition,
			rec.DKIMEval,
			rec.SPFEval,
			rec.HeaderFrom,
			rec.DKIMDomain,
			rec.DKIMResult,
			rec.DKIMSelector,
			rec.SPFDomain,
			rec.SPFResult,
		); err != nil {
			return false, fmt.Errorf("%w: insert record %d of report %s: %v", ErrTransactionFailed, i, r.ReportID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}

	return true, nil
}

// blob makes sure a missing blob is stored as an empty value instead of NULL.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
