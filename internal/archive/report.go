// Package archive builds run reports and stores finalized ones in object storage.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nic-152/uran/internal/lifecycle"
	"github.com/nic-152/uran/internal/store"
)

// Summary counts results by status. RequiredPending is the number of
// required items still at na.
type Summary struct {
	Total           int `json:"total"`
	OK              int `json:"ok"`
	Fail            int `json:"fail"`
	NA              int `json:"na"`
	RequiredPending int `json:"requiredPending"`
}

type Report struct {
	Run         store.Run              `json:"run"`
	Items       []store.ItemWithResult `json:"items"`
	Summary     Summary                `json:"summary"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// BuildReport summarizes items, which are expected in ledger order.
func BuildReport(run store.Run, items []store.ItemWithResult, now time.Time) Report {
	var sum Summary
	for _, entry := range items {
		sum.Total++
		switch entry.Result.Status {
		case lifecycle.ResultOK:
			sum.OK++
		case lifecycle.ResultFail:
			sum.Fail++
		default:
			sum.NA++
			if entry.Item.IsRequired {
				sum.RequiredPending++
			}
		}
	}
	if items == nil {
		items = []store.ItemWithResult{}
	}
	return Report{Run: run, Items: items, Summary: sum, GeneratedAt: now.UTC()}
}

// ObjectKey is where the report of a run is stored.
func ObjectKey(projectID, runID string) string {
	return fmt.Sprintf("projects/%s/runs/%s.json", projectID, runID)
}

func Encode(report Report) ([]byte, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return body, nil
}
