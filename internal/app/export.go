package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

const (
	historySheet = "History"
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var historyExportHeader = []string{
	"History ID",
	"Schedule ID",
	"Module ID",
	"Feed Date",
	"Feed Time",
	"Amount",
	"Status",
	"Created At",
}

var historyColumnWidths = []float64{12, 12, 16, 14, 10, 10, 12, 22}

// historyRow renders one record as export cells. Detached records leave the schedule columns blank.
func historyRow(v model.HistoryView) []string {
	row := []string{strconv.FormatInt(v.HistoryID, 10), "", "", "", "", "", "", v.CreatedAt}
	if v.ScheduleID != nil {
		row[1] = strconv.FormatInt(*v.ScheduleID, 10)
	}
	if v.ModuleID != nil {
		row[2] = *v.ModuleID
	}
	if v.FeedDate != nil {
		row[3] = v.FeedDate.String()
	}
	if v.FeedTime != nil {
		row[4] = v.FeedTime.String()
	}
	if v.Amount != nil {
		row[5] = strconv.FormatFloat(*v.Amount, 'f', -1, 64)
	}
	if v.Status != nil {
		row[6] = v.Status.String()
	}
	return row
}

func (a *App) loadHistory(ctx context.Context) ([]model.HistoryView, error) {
	views, err := a.store.ListHistory(ctx)
	if err != nil {
		return nil, persistErr(err)
	}
	for i := range views {
		views[i].CreatedAt = a.displayTime(views[i].CompletedAt)
	}
	if views == nil {
		views = []model.HistoryView{}
	}
	return views, nil
}

func (a *App) displayLocation() *time.Location {
	if a.cfg.DisplayLocation == nil {
		return time.UTC
	}
	return a.cfg.DisplayLocation
}

func (a *App) displayTime(t time.Time) string {
	return t.In(a.displayLocation()).Format("2006-01-02 15:04:05")
}

func (a *App) exportHistory(c echo.Context) error {
	format := strings.ToLower(strings.TrimSpace(c.QueryParam("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		return badRequest("unsupported export format %q", format)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	views, err := a.loadHistory(ctx)
	if err != nil {
		return err
	}

	stamp := a.engine.Now().In(a.displayLocation()).Format("20060102")
	if format == "xlsx" {
		data, err := historyWorkbook(views)
		if err != nil {
			return fmt.Errorf("export history: %w", err)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=feeding_history_%s.xlsx", stamp))
		return c.Blob(http.StatusOK, xlsxMIME, data)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=feeding_history_%s.csv", stamp))
	c.Response().WriteHeader(http.StatusOK)

	csvWriter := csv.NewWriter(c.Response())
	defer csvWriter.Flush()

	if err := csvWriter.Write(historyExportHeader); err != nil {
		a.logger.Error("export: failed to write header", zap.Error(err))
		return nil
	}
	for _, v := range views {
		if err := csvWriter.Write(historyRow(v)); err != nil {
			a.logger.Error("export: failed to write row", zap.Int64("history_id", v.HistoryID), zap.Error(err))
			return nil
		}
	}
	return nil
}

// historyWorkbook renders the ledger as a single-sheet workbook with a styled header row.
func historyWorkbook(views []model.HistoryView) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for col, header := range historyExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(historySheet, cell, header); err != nil {
			return nil, fmt.Errorf("set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(historySheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("set header style: %w", err)
		}
	}

	for i, width := range historyColumnWidths {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(historySheet, name, name, width); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for r, v := range views {
		for col, value := range historyCells(v) {
			cell, err := excelize.CoordinatesToCellName(col+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(historySheet, cell, value); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// historyCells keeps numeric columns numeric in the workbook.
func historyCells(v model.HistoryView) []any {
	row := historyRow(v)
	cells := make([]any, len(row))
	for i, s := range row {
		cells[i] = s
	}
	cells[0] = v.HistoryID
	if v.ScheduleID != nil {
		cells[1] = *v.ScheduleID
	}
	if v.Amount != nil {
		cells[5] = *v.Amount
	}
	return cells
}
