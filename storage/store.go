// Package storage owns the on-disk layout of a run: measurement CSVs,
// the checkpoint directory, a copy of the config, and the manifest of
// epochs whose artifacts failed to persist.
package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tsawler/go-collapse/measure"
)

const (
	measurementsDir = "measurements"
	checkpointsDir  = "model-checkpoints"
	failuresFile    = "failed-epochs.csv"
)

// Store writes run artifacts under a save directory. Measurement
// records are write-once per (epoch, layer) key; rows for one epoch are
// buffered and appended in a single write so an aborted epoch leaves no
// partial rows behind.
type Store struct {
	baseDir string
}

// NewStore prepares the directory layout under baseDir.
func NewStore(baseDir string) (*Store, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, measurementsDir), filepath.Join(baseDir, checkpointsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %v", dir, err)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the root of the run's artifacts.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// CheckpointDir returns the directory model checkpoints live in.
func (s *Store) CheckpointDir() string {
	return filepath.Join(s.baseDir, checkpointsDir)
}

// CopyConfig snapshots the experiment configuration into the save
// directory so a run directory is self-describing.
func (s *Store) CopyConfig(configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config for copying: %v", err)
	}
	dst := filepath.Join(s.baseDir, filepath.Base(configPath))
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		return fmt.Errorf("failed to copy config to %s: %v", dst, err)
	}
	return nil
}

// WriteMeasurements appends one epoch's results, in the given order, to
// the per-measure CSV files. Undefined statistics are written with an
// empty value and a flag so downstream analysis never mistakes a
// degenerate number for a real one.
func (s *Store) WriteMeasurements(epoch int, results []measure.Result, set measure.Set) error {
	var ratioRows, spreadRows [][]string
	var withinRows, betweenRows, pairRows [][]string

	for _, r := range results {
		if r.Unavailable {
			ratioRows = append(ratioRows, row(epoch, r.Layer, "", "unavailable"))
			spreadRows = append(spreadRows, row(epoch, r.Layer, "", "unavailable"))
			continue
		}

		if r.TraceRatioDefined {
			ratioRows = append(ratioRows, row(epoch, r.Layer, formatValue(r.TraceRatio), ""))
		} else {
			ratioRows = append(ratioRows, row(epoch, r.Layer, "", "undefined"))
		}
		if r.DistanceSpreadDefined {
			spreadRows = append(spreadRows, row(epoch, r.Layer, formatValue(r.DistanceSpread), ""))
		} else {
			spreadRows = append(spreadRows, row(epoch, r.Layer, "", "undefined"))
		}

		if set == measure.SetFull {
			withinRows = append(withinRows, row(epoch, r.Layer, formatValue(r.WithinTrace), ""))
			betweenRows = append(betweenRows, row(epoch, r.Layer, formatValue(r.BetweenTrace), ""))
			for _, pd := range r.PairwiseDistances {
				pairRows = append(pairRows, []string{
					strconv.Itoa(epoch), r.Layer,
					strconv.Itoa(pd.ClassA), strconv.Itoa(pd.ClassB),
					formatValue(pd.Distance),
				})
			}
		}
	}

	header := []string{"epoch", "layer", "value", "flag"}
	if err := s.appendCSV("collapse_index.csv", header, ratioRows); err != nil {
		return err
	}
	if err := s.appendCSV("class_mean_spread.csv", header, spreadRows); err != nil {
		return err
	}
	if set == measure.SetFull {
		if err := s.appendCSV("within_trace.csv", header, withinRows); err != nil {
			return err
		}
		if err := s.appendCSV("between_trace.csv", header, betweenRows); err != nil {
			return err
		}
		pairHeader := []string{"epoch", "layer", "class_a", "class_b", "value"}
		if err := s.appendCSV("pairwise_distances.csv", pairHeader, pairRows); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure appends an epoch whose artifact could not be persisted
// to the failure manifest, so downstream analysis never silently
// assumes completeness.
func (s *Store) RecordFailure(epoch int, artifact string, cause error) error {
	rows := [][]string{{strconv.Itoa(epoch), artifact, cause.Error()}}
	return s.appendCSVAt(filepath.Join(s.baseDir, failuresFile), []string{"epoch", "artifact", "error"}, rows)
}

// FailedEpochs reads back the failure manifest. A missing manifest
// means no failures.
func (s *Store) FailedEpochs() ([]int, error) {
	path := filepath.Join(s.baseDir, failuresFile)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open failure manifest: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse failure manifest: %v", err)
	}
	var epochs []int
	for i, rec := range records {
		if i == 0 || len(rec) == 0 {
			continue // header
		}
		epoch, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("malformed failure manifest row %d: %v", i, err)
		}
		epochs = append(epochs, epoch)
	}
	return epochs, nil
}

func (s *Store) appendCSV(name string, header []string, rows [][]string) error {
	return s.appendCSVAt(filepath.Join(s.baseDir, measurementsDir, name), header, rows)
}

func (s *Store) appendCSVAt(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	_, statErr := os.Stat(path)
	needHeader := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if needHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header to %s: %v", path, err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows to %s: %v", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %v", path, err)
	}
	return nil
}

func row(epoch int, layer, value, flag string) []string {
	return []string{strconv.Itoa(epoch), layer, value, flag}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}
