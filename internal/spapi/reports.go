package spapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CreateReport requests an asynchronous report and returns its id.
func (c *Client) CreateReport(ctx context.Context, tenantID, reportType string, start, end time.Time) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"reportType":     reportType,
		"dataStartTime":  start.UTC().Format(time.RFC3339),
		"dataEndTime":    end.UTC().Format(time.RFC3339),
		"marketplaceIds": c.cfg.MarketplaceIDs,
	})
	if err != nil {
		return "", err
	}
	raw, err := c.do(ctx, tenantID, http.MethodPost, "/reports/2021-06-30/reports", nil, body)
	if err != nil {
		return "", fmt.Errorf("spapi: create report %s: %w", reportType, err)
	}
	var resp struct {
		ReportID string `json:"reportId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("spapi: decode create report response: %w", err)
	}
	if resp.ReportID == "" {
		return "", fmt.Errorf("spapi: create report %s: empty report id", reportType)
	}
	return resp.ReportID, nil
}

// WaitForReport polls the report until it completes, fails, or the wait
// budget runs out. Polling backs off from 2s by 1.5x up to 30s. Returns a
// document reference with a pre-signed download URL on COMPLETED, an error
// on FAILED/CANCELLED, and ErrReportTimeout once maxWait elapses.
func (c *Client) WaitForReport(ctx context.Context, tenantID, reportID string, maxWait time.Duration) (*ReportDocumentRef, error) {
	if maxWait <= 0 {
		maxWait = c.cfg.ReportMaxWait
	}
	deadline := time.Now().Add(maxWait)
	interval := 2 * time.Second

	for {
		raw, err := c.do(ctx, tenantID, http.MethodGet, "/reports/2021-06-30/reports/"+reportID, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("spapi: poll report %s: %w", reportID, err)
		}
		var resp struct {
			ProcessingStatus string `json:"processingStatus"`
			DocumentID       string `json:"reportDocumentId"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("spapi: decode report status: %w", err)
		}

		switch resp.ProcessingStatus {
		case reportStatusCompleted:
			ref := &ReportDocumentRef{ReportID: reportID, DocumentID: resp.DocumentID}
			if resp.DocumentID != "" {
				doc, err := c.do(ctx, tenantID, http.MethodGet, "/reports/2021-06-30/documents/"+resp.DocumentID, nil, nil)
				if err != nil {
					return nil, fmt.Errorf("spapi: fetch report document %s: %w", resp.DocumentID, err)
				}
				var d struct {
					URL string `json:"url"`
				}
				if err := json.Unmarshal(doc, &d); err != nil {
					return nil, fmt.Errorf("spapi: decode report document: %w", err)
				}
				ref.URL = d.URL
			}
			return ref, nil
		case reportStatusFailed, reportStatusCancelled:
			return nil, fmt.Errorf("spapi: report %s ended %s", reportID, resp.ProcessingStatus)
		}

		if time.Now().Add(interval).After(deadline) {
			return nil, ErrReportTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * 1.5)
		if interval > 30*time.Second {
			interval = 30 * time.Second
		}
	}
}
