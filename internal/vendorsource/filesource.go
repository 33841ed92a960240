// Package vendorsource is a flat-file implementation of datacache's
// PriceSource/FundamentalsSource boundary, for offline/CLI use: a live
// vendor client is out of scope (spec §1's "market-data vendor clients,
// treated as an abstract PriceSource/FundamentalsSource"), so the CLI
// entrypoint reads pre-fetched data from disk instead of reaching for a
// real broker/exchange API.
package vendorsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// FileSource reads one JSON array of domain.PriceBar per ticker from
// baseDir/prices/{TICKER}.json and one JSON array of
// domain.FundamentalsSnapshot per ticker from
// baseDir/fundamentals/{TICKER}.json, the same flat-JSON convention
// internal/datacache's historicalStore uses for its own on-disk tier.
type FileSource struct {
	baseDir string
}

// New builds a FileSource rooted at baseDir.
func New(baseDir string) *FileSource {
	return &FileSource{baseDir: baseDir}
}

// GetHistory returns every bar on file for ticker within [start, end).
func (f *FileSource) GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	path := filepath.Join(f.baseDir, "prices", fmt.Sprintf("%s.json", ticker))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &domain.NotFoundError{Ticker: ticker, Kind: "prices"}
	}
	if err != nil {
		return nil, fmt.Errorf("read price file for %s: %w", ticker, err)
	}

	var bars []domain.PriceBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("decode price file for %s: %w", ticker, err)
	}

	out := make([]domain.PriceBar, 0, len(bars))
	for _, b := range bars {
		if !b.Date.Before(start) && b.Date.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetLatest returns the fundamentals snapshot with the latest
// PublicationDate strictly before asOf.
func (f *FileSource) GetLatest(ctx context.Context, ticker domain.Ticker, asOf domain.Date) (domain.FundamentalsSnapshot, error) {
	path := filepath.Join(f.baseDir, "fundamentals", fmt.Sprintf("%s.json", ticker))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return domain.FundamentalsSnapshot{}, &domain.NotFoundError{Ticker: ticker, Kind: "fundamentals"}
	}
	if err != nil {
		return domain.FundamentalsSnapshot{}, fmt.Errorf("read fundamentals file for %s: %w", ticker, err)
	}

	var snapshots []domain.FundamentalsSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return domain.FundamentalsSnapshot{}, fmt.Errorf("decode fundamentals file for %s: %w", ticker, err)
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].PublicationDate.Before(snapshots[j].PublicationDate) })

	var latest *domain.FundamentalsSnapshot
	for i := range snapshots {
		if snapshots[i].PublicationDate.Before(asOf) {
			latest = &snapshots[i]
		} else {
			break
		}
	}
	if latest == nil {
		return domain.FundamentalsSnapshot{}, &domain.NotFoundError{Ticker: ticker, Kind: "fundamentals"}
	}
	return *latest, nil
}

// volTermPoint is one dated reading of the short/long-dated volatility-index
// term structure, the flat-file source for regime.VolTermStructureSource.
type volTermPoint struct {
	Date     domain.Date
	ShortVol float64
	LongVol  float64
}

// GetVolTermStructure implements regime.VolTermStructureSource by reading
// baseDir/vol_term_structure.json, an array of volTermPoint sorted by date,
// and returning the reading with the latest Date strictly before asOf —
// the same point-in-time convention GetLatest uses for fundamentals.
func (f *FileSource) GetVolTermStructure(ctx context.Context, asOf domain.Date) (float64, float64, error) {
	path := filepath.Join(f.baseDir, "vol_term_structure.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read vol term structure file: %w", err)
	}

	var points []volTermPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return 0, 0, fmt.Errorf("decode vol term structure file: %w", err)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

	var latest *volTermPoint
	for i := range points {
		if points[i].Date.Before(asOf) {
			latest = &points[i]
		} else {
			break
		}
	}
	if latest == nil {
		return 0, 0, fmt.Errorf("no vol term structure reading before %s", asOf)
	}
	return latest.ShortVol, latest.LongVol, nil
}

// GetSector implements universe.SectorSource by reading a flat
// baseDir/sectors.json map of ticker to sector name. A missing file or
// missing entry simply yields an empty sector, same as having no
// SectorSource configured at all.
func (f *FileSource) GetSector(ctx context.Context, ticker domain.Ticker) (string, error) {
	path := filepath.Join(f.baseDir, "sectors.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read sectors file: %w", err)
	}

	var sectors map[string]string
	if err := json.Unmarshal(data, &sectors); err != nil {
		return "", fmt.Errorf("decode sectors file: %w", err)
	}
	return sectors[ticker.String()], nil
}
