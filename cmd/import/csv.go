package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/subjects"
)

var (
	accountColumns = []string{"kind", "sap_id", "email", "name", "phone", "organization_sap_id"}
	resultColumns  = []string{"id", "test_id", "kind", "sap_id", "score", "max_score", "completed_at"}
)

// row gives access to a record by header name.
type row struct {
	line   int
	index  map[string]int
	record []string
}

func (r row) get(column string) string {
	i, ok := r.index[column]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

// readRows calls fn for every data row. Errors returned by fn are collected
// per row; a malformed file or a missing column aborts.
func readRows(src io.Reader, required []string, fn func(row) error) ([]error, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, column := range required {
		if _, ok := index[column]; !ok {
			return nil, fmt.Errorf("missing column %q", column)
		}
	}

	var rowErrs []error
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(row{line: line, index: index, record: record}); err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: %w", line, err))
		}
	}
	return rowErrs, nil
}

func parseAccounts(src io.Reader) ([]subjects.Account, []error, error) {
	var accounts []subjects.Account
	rowErrs, err := readRows(src, accountColumns[:3], func(r row) error {
		kind, err := subjects.ParseKind(r.get("kind"))
		if err != nil {
			return err
		}
		account := subjects.Account{
			Kind:              kind,
			SapID:             r.get("sap_id"),
			Email:             subjects.NormalizeEmail(r.get("email")),
			Name:              r.get("name"),
			Phone:             r.get("phone"),
			OrganizationSapID: r.get("organization_sap_id"),
		}
		if account.SapID == "" || account.Email == "" {
			return fmt.Errorf("sap_id and email are required")
		}
		if kind == subjects.KindSpecialUser && account.OrganizationSapID == "" {
			return fmt.Errorf("special user %s has no organization_sap_id", account.SapID)
		}
		accounts = append(accounts, account)
		return nil
	})
	return accounts, rowErrs, err
}

func parseResults(src io.Reader) ([]certificates.TestResult, []error, error) {
	var results []certificates.TestResult
	rowErrs, err := readRows(src, resultColumns, func(r row) error {
		kind, err := subjects.ParseKind(r.get("kind"))
		if err != nil {
			return err
		}
		score, err := strconv.ParseFloat(r.get("score"), 64)
		if err != nil {
			return fmt.Errorf("score %q: %w", r.get("score"), err)
		}
		maxScore, err := strconv.ParseFloat(r.get("max_score"), 64)
		if err != nil {
			return fmt.Errorf("max_score %q: %w", r.get("max_score"), err)
		}
		completedAt, err := time.Parse(time.RFC3339, r.get("completed_at"))
		if err != nil {
			return fmt.Errorf("completed_at %q: %w", r.get("completed_at"), err)
		}

		result := certificates.TestResult{
			ID:          r.get("id"),
			TestID:      r.get("test_id"),
			Subject:     subjects.Ref{Kind: kind, SapID: r.get("sap_id")},
			Score:       score,
			MaxScore:    maxScore,
			CompletedAt: completedAt.UTC(),
		}
		if err := result.Validate(); err != nil {
			return err
		}
		results = append(results, result)
		return nil
	})
	return results, rowErrs, err
}
