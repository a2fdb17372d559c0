package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

// ParseExportFormat validates a format name; empty means JSON
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", apperrors.NewValidation("format", fmt.Sprintf("unsupported export format %q", s))
	}
}

// Export renders up to MaxExportEntries matching entries, newest first
func (l *Log) Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	var all []*Entry
	filter.Offset = 0
	filter.Limit = MaxLimit

	for len(all) < MaxExportEntries {
		entries, _, err := l.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if len(entries) < filter.Limit {
			break
		}
		filter.Offset += len(entries)
	}
	if len(all) > MaxExportEntries {
		all = all[:MaxExportEntries]
	}

	return encode(all, format)
}

func encode(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return exportJSON(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, apperrors.NewValidation("format", fmt.Sprintf("unsupported export format %q", format))
	}
}

// exportJSON exports audit entries as JSON array
func exportJSON(entries []*Entry) ([]byte, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports audit entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports audit entries as CSV. Changes are embedded as a JSON column.
func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"CreatedAt",
		"Action",
		"ActorID",
		"GroupID",
		"TargetType",
		"TargetID",
		"Changes",
		"Reason",
		"IPAddress",
		"UserAgent",
		"RequestID",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		changes := ""
		if entry.Changes != nil {
			data, err := json.Marshal(entry.Changes)
			if err != nil {
				return nil, fmt.Errorf("failed to encode changes: %w", err)
			}
			changes = string(data)
		}

		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			string(entry.Action),
			entry.ActorID,
			entry.GroupID,
			string(entry.TargetType),
			entry.TargetID,
			changes,
			entry.Reason,
			entry.IPAddress,
			entry.UserAgent,
			entry.RequestID,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}
