package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

var (
	dateColumns  = []string{"date", "timestamp", "time"}
	valueColumns = []string{"close", "adj close", "adj_close", "value", "price"}
)

// readSeries parses a two-column price history. A header row naming the
// date and close columns is optional; without one the first column is the
// date and the second the value.
func readSeries(r io.Reader) (models.PriceSeries, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("CSV input is empty")
	}

	dateCol, valueCol := 0, 1
	if header, ok := detectHeader(records[0]); ok {
		dateCol, valueCol = header[0], header[1]
		records = records[1:]
	}

	prices := make([]float64, 0, len(records))
	dates := make([]string, 0, len(records))
	for i, rec := range records {
		if len(rec) <= max(dateCol, valueCol) {
			return nil, fmt.Errorf("CSV row %d: expected at least %d columns", i+1, max(dateCol, valueCol)+1)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[valueCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("CSV row %d: invalid value %q", i+1, rec[valueCol])
		}
		dates = append(dates, strings.TrimSpace(rec[dateCol]))
		prices = append(prices, v)
	}
	return models.NewPriceSeries(prices, dates)
}

func detectHeader(row []string) ([2]int, bool) {
	cols := [2]int{-1, -1}
	for i, name := range row {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, c := range dateColumns {
			if name == c && cols[0] < 0 {
				cols[0] = i
			}
		}
		for _, c := range valueColumns {
			if name == c && cols[1] < 0 {
				cols[1] = i
			}
		}
	}
	return cols, cols[0] >= 0 && cols[1] >= 0
}

// loadSeries reads path, or stdin when path is "-".
func loadSeries(path string, stdin io.Reader) (models.PriceSeries, error) {
	if path == "-" {
		return readSeries(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSeries(f)
}

// tickerFromPath derives a ticker from a file name: "data/aapl.csv" is AAPL.
func tickerFromPath(path string) string {
	if path == "-" {
		return ""
	}
	base := filepath.Base(path)
	return strings.ToUpper(strings.TrimSuffix(base, filepath.Ext(base)))
}
