package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pitabwire/claimflow/model"
)

var csvHeader = []string{"Timestamp", "Action", "User ID", "User Role", "Resource Type", "Resource ID", "Details"}

// ExportCSV writes every entry matching f, newest first, as CSV. At most
// limit rows are written; limit <= 0 means one page of MaxPageSize.
// It returns the number of rows written.
func ExportCSV(ctx context.Context, store Store, f model.AuditFilters, limit int, w io.Writer) (int, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	written := 0
	f.Limit = MaxPageSize
	for page := 1; written < limit; page++ {
		f.Page = page
		entries, total, err := store.List(ctx, f)
		if err != nil {
			return written, err
		}
		for _, e := range entries {
			if written == limit {
				break
			}
			row, err := csvRow(e)
			if err != nil {
				return written, err
			}
			if err := cw.Write(row); err != nil {
				return written, fmt.Errorf("write csv row: %w", err)
			}
			written++
		}
		if len(entries) == 0 || page*MaxPageSize >= total {
			break
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("flush csv: %w", err)
	}
	return written, nil
}

func csvRow(e model.AuditEntry) ([]string, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Action,
		e.ActorID,
		string(e.ActorRole),
		e.ResourceType,
		e.ResourceID,
		string(details),
	}, nil
}
