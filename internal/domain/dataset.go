package domain

import "time"

// DatasetFormat is the file format of a stored dataset.
type DatasetFormat string

const (
	DatasetFormatCSV  DatasetFormat = "csv"
	DatasetFormatTSV  DatasetFormat = "tsv"
	DatasetFormatJSON DatasetFormat = "json"
)

// Dataset is the engine's read-only view of a dataset row. Files are only
// loaded while the status compares case-insensitively equal to "ready".
type Dataset struct {
	ID         string
	FilePath   string
	FileFormat DatasetFormat
	RowCount   int
	Status     string
	IsDeleted  bool
}

// DatasetLink is one device_datasets row. Links are ordered by linked_at
// ascending with dataset_id as tiebreaker; the engine concatenates linked
// dataset rows in that order into one logical sequence.
type DatasetLink struct {
	DeviceID  string
	DatasetID string
	LinkedAt  time.Time
}

// Row is one parsed dataset record. CSV and TSV rows carry string values
// keyed by header; JSON rows carry whatever the document holds.
type Row map[string]any
