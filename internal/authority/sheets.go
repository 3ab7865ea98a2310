package authority

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/2sic/resizer/internal/config"
	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
)

// SheetsAuthority looks licenses up in a Google spreadsheet. Each row is
// license_id | status | token; only "active" rows confirm.
type SheetsAuthority struct {
	service       *sheets.Service
	spreadsheetID string
	readRange     string
}

// NewSheetsAuthority connects to the Sheets API. Extra client options are
// appended after the ones derived from cfg.
func NewSheetsAuthority(ctx context.Context, cfg config.SheetsConfig, extra ...option.ClientOption) (*SheetsAuthority, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	opts = append(opts, extra...)

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Licenses"
	}

	return &SheetsAuthority{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		readRange:     sheetName + "!A:C",
	}, nil
}

// Verify finds the row for licenseID
func (s *SheetsAuthority) Verify(ctx context.Context, licenseID string) (license.Reply, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.readRange).Context(ctx).Do()
	if err != nil {
		return license.Reply{}, fmt.Errorf("%w: sheets: %w", licenseErrors.ErrAuthorityUnreachable, err)
	}

	for _, row := range resp.Values {
		if len(row) == 0 || cell(row, 0) != licenseID {
			continue
		}

		status := strings.ToLower(cell(row, 1))
		if status != "active" {
			return license.Reply{Kind: license.ReplyDenied, Reason: "license status " + status}, nil
		}

		record, err := recordFromToken(cell(row, 2))
		if err != nil {
			return license.Reply{}, err
		}
		return license.Reply{Kind: license.ReplyRecord, Record: record}, nil
	}

	return license.Reply{Kind: license.ReplyDenied, Reason: "license not found"}, nil
}

func cell(row []interface{}, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}
