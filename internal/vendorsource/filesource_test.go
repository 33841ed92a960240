package vendorsource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestFileSource_GetHistory_FiltersToWindow(t *testing.T) {
	dir := t.TempDir()
	bars := []domain.PriceBar{
		{Date: domain.Date{Year: 2023, Month: 1, Day: 1}, AdjClose: 10},
		{Date: domain.Date{Year: 2023, Month: 1, Day: 2}, AdjClose: 11},
		{Date: domain.Date{Year: 2023, Month: 1, Day: 3}, AdjClose: 12},
	}
	writeJSON(t, filepath.Join(dir, "prices", "AAPL.json"), bars)

	src := New(dir)
	got, err := src.GetHistory(context.Background(), domain.NewTicker("AAPL"),
		domain.Date{Year: 2023, Month: 1, Day: 1}, domain.Date{Year: 2023, Month: 1, Day: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFileSource_GetHistory_MissingFileIsNotFoundError(t *testing.T) {
	src := New(t.TempDir())
	_, err := src.GetHistory(context.Background(), domain.NewTicker("ZZZZ"),
		domain.Date{Year: 2023, Month: 1, Day: 1}, domain.Date{Year: 2023, Month: 1, Day: 3})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFileSource_GetLatest_PicksMostRecentBeforeAsOf(t *testing.T) {
	dir := t.TempDir()
	snaps := []domain.FundamentalsSnapshot{
		{Ticker: "AAPL", PublicationDate: domain.Date{Year: 2023, Month: 1, Day: 1}, MarketCap: 100},
		{Ticker: "AAPL", PublicationDate: domain.Date{Year: 2023, Month: 4, Day: 1}, MarketCap: 200},
		{Ticker: "AAPL", PublicationDate: domain.Date{Year: 2023, Month: 7, Day: 1}, MarketCap: 300},
	}
	writeJSON(t, filepath.Join(dir, "fundamentals", "AAPL.json"), snaps)

	src := New(dir)
	got, err := src.GetLatest(context.Background(), domain.NewTicker("AAPL"), domain.Date{Year: 2023, Month: 5, Day: 1})
	require.NoError(t, err)
	require.Equal(t, 200.0, got.MarketCap)
}

func TestFileSource_GetLatest_NoPriorSnapshotIsNotFoundError(t *testing.T) {
	dir := t.TempDir()
	snaps := []domain.FundamentalsSnapshot{
		{Ticker: "AAPL", PublicationDate: domain.Date{Year: 2023, Month: 4, Day: 1}, MarketCap: 200},
	}
	writeJSON(t, filepath.Join(dir, "fundamentals", "AAPL.json"), snaps)

	src := New(dir)
	_, err := src.GetLatest(context.Background(), domain.NewTicker("AAPL"), domain.Date{Year: 2023, Month: 1, Day: 1})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFileSource_GetVolTermStructure_PicksMostRecentBeforeAsOf(t *testing.T) {
	dir := t.TempDir()
	points := []volTermPoint{
		{Date: domain.Date{Year: 2023, Month: 1, Day: 1}, ShortVol: 12, LongVol: 18},
		{Date: domain.Date{Year: 2023, Month: 4, Day: 1}, ShortVol: 25, LongVol: 15},
	}
	writeJSON(t, filepath.Join(dir, "vol_term_structure.json"), points)

	src := New(dir)
	short, long, err := src.GetVolTermStructure(context.Background(), domain.Date{Year: 2023, Month: 5, Day: 1})
	require.NoError(t, err)
	require.Equal(t, 25.0, short)
	require.Equal(t, 15.0, long)
}

func TestFileSource_GetVolTermStructure_MissingFileReturnsError(t *testing.T) {
	src := New(t.TempDir())
	_, _, err := src.GetVolTermStructure(context.Background(), domain.Date{Year: 2023, Month: 1, Day: 1})
	require.Error(t, err)
}

func TestFileSource_GetSector_MissingFileReturnsEmpty(t *testing.T) {
	src := New(t.TempDir())
	sector, err := src.GetSector(context.Background(), domain.NewTicker("AAPL"))
	require.NoError(t, err)
	require.Empty(t, sector)
}
