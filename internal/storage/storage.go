// Package storage provides persistent storage for the prediction engine.
// It uses BoltDB as the underlying engine to store the append-only
// prediction log, serialized model state, and the comparable-sales pool.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"predictelligence/internal/valuation"
)

const (
	predictionsBucket = "predictions" // append-only prediction log
	modelBucket       = "model"       // opaque model/scaler state blob
	compsBucket       = "comps"       // comparable transactions by district
)

const modelStateKey = "state"

// PredictionRecord is one completed, logged pipeline cycle. Records are
// never updated or deleted after insert; they exist for accuracy audits.
type PredictionRecord struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Cycle      int       `json:"cycle"`
	Postcode   string    `json:"postcode"`
	Predicted  float64   `json:"predicted"`
	Actual     float64   `json:"actual"`
	Direction  string    `json:"direction"`
	Signal     string    `json:"signal"`
	Confidence float64   `json:"confidence"`
	Error      float64   `json:"error"`
}

// Store wraps the BoltDB database.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and ensures all
// buckets exist.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataPath, "predictelligence.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{predictionsBucket, modelBucket, compsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AppendPrediction inserts a record with the next auto-increment id.
// The id doubles as insertion order, so range scans observe the serialized
// training sequence.
func (s *Store) AppendPrediction(rec PredictionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}
		return b.Put(idKey(id), data)
	})
}

// History returns up to limit records for a postcode, most recent first.
func (s *Store) History(postcode string, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	normalized := normalizePostcode(postcode)

	var records []PredictionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip malformed records
			}
			if rec.Postcode == normalized {
				records = append(records, rec)
			}
		}
		return nil
	})
	return records, err
}

// AreaTrend aggregates recent predictions for a postcode district.
type AreaTrend struct {
	District          string  `json:"district"`
	SampleSize        int     `json:"sample_size"`
	DominantDirection string  `json:"dominant_direction"`
	DominantSignal    string  `json:"dominant_signal"`
	AvgConfidence     float64 `json:"avg_confidence"`
	AvgPredicted      float64 `json:"avg_predicted_price"`
}

// Trend scans the latest 50 records whose postcode falls in the district.
func (s *Store) Trend(district string) (AreaTrend, error) {
	district = strings.ToUpper(strings.TrimSpace(district))
	trend := AreaTrend{District: district}

	directions := make(map[string]int)
	signals := make(map[string]int)
	var confSum, predSum float64

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && trend.SampleSize < 50; k, v = c.Prev() {
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !strings.HasPrefix(rec.Postcode, district) {
				continue
			}
			directions[rec.Direction]++
			signals[rec.Signal]++
			confSum += rec.Confidence
			predSum += rec.Predicted
			trend.SampleSize++
		}
		return nil
	})
	if err != nil || trend.SampleSize == 0 {
		return trend, err
	}

	trend.DominantDirection = argmax(directions)
	trend.DominantSignal = argmax(signals)
	trend.AvgConfidence = round1(confSum / float64(trend.SampleSize))
	trend.AvgPredicted = float64(int64(predSum / float64(trend.SampleSize)))
	return trend, nil
}

// Accuracy summarises model error over the most recent records.
type Accuracy struct {
	MAE               float64 `json:"mae"`
	DirectionAccuracy float64 `json:"direction_accuracy"`
	SampleSize        int     `json:"sample_size"`
}

// ModelAccuracy computes MAE against the trained market target and, over
// the last 20 usable records, the share of non-sideways calls whose
// prediction landed on the called side of that target.
func (s *Store) ModelAccuracy() (Accuracy, error) {
	var acc Accuracy
	var errSum float64
	var dirTotal, dirRight int

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && acc.SampleSize < 20; k, v = c.Prev() {
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.Actual <= 0 {
				continue
			}
			errSum += rec.Error
			if rec.Direction != "SIDEWAYS" {
				dirTotal++
				if (rec.Direction == "UP") == (rec.Predicted >= rec.Actual) {
					dirRight++
				}
			}
			acc.SampleSize++
		}
		return nil
	})
	if err != nil || acc.SampleSize == 0 {
		return acc, err
	}

	acc.MAE = errSum / float64(acc.SampleSize)
	if dirTotal > 0 {
		acc.DirectionAccuracy = float64(dirRight) / float64(dirTotal)
	}
	return acc, nil
}

// SaveModelState persists the opaque model/scaler blob.
func (s *Store) SaveModelState(blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelBucket)).Put([]byte(modelStateKey), blob)
	})
}

// LoadModelState returns the persisted blob, or nil when none exists.
func (s *Store) LoadModelState() ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(modelBucket)).Get([]byte(modelStateKey)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// StoreComparable adds a comparable sale keyed by district and insertion
// order.
func (s *Store) StoreComparable(c valuation.Comparable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(compsBucket))

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal comparable: %w", err)
		}

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		district := valuation.PostcodeDistrict(c.Postcode)
		key := fmt.Sprintf("%s_%016d", district, id)
		return b.Put([]byte(key), data)
	})
}

// Comparables returns up to limit comparables in the subject's district,
// preferring the same property type and bedroom count when the pool is
// larger than the limit.
func (s *Store) Comparables(postcode, propertyType string, bedrooms, limit int) ([]valuation.Comparable, error) {
	if limit <= 0 {
		limit = 80
	}
	district := valuation.PostcodeDistrict(postcode)
	prefix := []byte(district + "_")

	var pool []valuation.Comparable
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(compsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var comp valuation.Comparable
			if err := json.Unmarshal(v, &comp); err != nil {
				continue
			}
			pool = append(pool, comp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pool) <= limit {
		return pool, nil
	}

	// Prefer exact type+bedroom matches, then same type, then the rest.
	ranked := make([]valuation.Comparable, 0, len(pool))
	for pass := 0; pass < 3 && len(ranked) < limit; pass++ {
		for _, comp := range pool {
			if len(ranked) >= limit {
				break
			}
			typeMatch := strings.EqualFold(comp.PropertyType, propertyType)
			bedMatch := comp.Bedrooms == bedrooms
			switch pass {
			case 0:
				if typeMatch && bedMatch {
					ranked = append(ranked, comp)
				}
			case 1:
				if typeMatch && !bedMatch {
					ranked = append(ranked, comp)
				}
			case 2:
				if !typeMatch {
					ranked = append(ranked, comp)
				}
			}
		}
	}
	return ranked, nil
}

func idKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func normalizePostcode(postcode string) string {
	return strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))
}

func argmax(counts map[string]int) string {
	best, bestN := "", -1
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
