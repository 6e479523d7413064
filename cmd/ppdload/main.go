// Command ppdload ingests a Land Registry Price Paid Data CSV into the
// comparable-sales bucket used by the valuation service.
//
// Usage:
//
//	ppdload -file pp-2024.csv -data ./data [-max 100000]
package main

import (
	"encoding/csv"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	"predictelligence/internal/storage"
	"predictelligence/internal/valuation"

	"github.com/rs/zerolog/log"
)

// PPD column layout (no header row):
// 0 guid, 1 price, 2 date, 3 postcode, 4 type, 5 old/new, 6 duration,
// 7-13 address fields, 14 category, 15 record status.
const (
	colPrice    = 1
	colDate     = 2
	colPostcode = 3
	colType     = 4
	colDuration = 6
	numCols     = 16
)

var propertyTypes = map[string]string{
	"D": "detached",
	"S": "semi-detached",
	"T": "terraced",
	"F": "flat",
}

var tenures = map[string]string{
	"F": "freehold",
	"L": "leasehold",
}

func main() {
	file := flag.String("file", "", "price paid CSV to ingest")
	dataPath := flag.String("data", "data", "database directory")
	maxRows := flag.Int("max", 0, "stop after this many stored rows (0 = unlimited)")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("open csv failed")
	}
	defer f.Close()

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatal().Err(err).Str("data", *dataPath).Msg("open database failed")
	}
	defer store.Close()

	stored, skipped := ingest(f, store, *maxRows)
	log.Info().Int("stored", stored).Int("skipped", skipped).Msg("ingest complete")
}

func ingest(r io.Reader, store *storage.Store, maxRows int) (stored, skipped int) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	for {
		row, err := reader.Read()
		if err == io.EOF {
			return stored, skipped
		}
		if err != nil {
			skipped++
			continue
		}

		comp, ok := parseRow(row)
		if !ok {
			skipped++
			continue
		}
		if err := store.StoreComparable(comp); err != nil {
			log.Warn().Err(err).Str("postcode", comp.Postcode).Msg("store comparable failed")
			skipped++
			continue
		}
		stored++
		if maxRows > 0 && stored >= maxRows {
			return stored, skipped
		}
	}
}

// parseRow converts one PPD row to a Comparable. Rows with unusable
// price, date, postcode, or an "Other" property type are rejected.
func parseRow(row []string) (valuation.Comparable, bool) {
	if len(row) < numCols {
		return valuation.Comparable{}, false
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(row[colPrice]), 64)
	if err != nil || price <= 0 {
		return valuation.Comparable{}, false
	}

	// PPD dates look like "2024-01-15 00:00"; keep the date part.
	date := strings.TrimSpace(row[colDate])
	if len(date) < 10 {
		return valuation.Comparable{}, false
	}
	date = date[:10]

	postcode := strings.TrimSpace(row[colPostcode])
	if postcode == "" {
		return valuation.Comparable{}, false
	}

	propertyType, ok := propertyTypes[strings.TrimSpace(row[colType])]
	if !ok {
		return valuation.Comparable{}, false
	}

	return valuation.Comparable{
		Price:        price,
		DateSold:     date,
		Postcode:     postcode,
		PropertyType: propertyType,
		Tenure:       tenures[strings.TrimSpace(row[colDuration])],
	}, true
}
