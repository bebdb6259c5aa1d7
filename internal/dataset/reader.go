// Package dataset loads pre-stored tabular dataset files into ordered row
// sequences for the transmission engine.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iotforge/transmission-service/internal/domain"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	ErrMalformedDataset  = errors.New("malformed dataset file")
)

// Reader resolves dataset file paths and parses them into rows.
type Reader struct {
	baseDir      string
	legacyPrefix string
}

// NewReader creates a Reader. Relative paths resolve under baseDir; paths
// starting with legacyPrefix are rewritten under baseDir (legacy workspace
// layouts). An empty legacyPrefix disables rewriting.
func NewReader(baseDir, legacyPrefix string) *Reader {
	return &Reader{baseDir: baseDir, legacyPrefix: legacyPrefix}
}

// ResolvePath maps a stored file path to a filesystem location.
func (r *Reader) ResolvePath(filePath string) string {
	if r.legacyPrefix != "" && strings.HasPrefix(filePath, r.legacyPrefix) {
		filePath = strings.TrimPrefix(filePath, r.legacyPrefix)
		filePath = strings.TrimPrefix(filePath, "/")
		return filepath.Join(r.baseDir, filePath)
	}
	if filepath.IsAbs(filePath) {
		return filePath
	}
	return filepath.Join(r.baseDir, filePath)
}

// Read parses the dataset file into an ordered list of rows.
func (r *Reader) Read(filePath string, format domain.DatasetFormat) ([]domain.Row, error) {
	path := r.ResolvePath(filePath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file %s: %w", path, err)
	}

	switch domain.DatasetFormat(strings.ToLower(string(format))) {
	case domain.DatasetFormatCSV:
		return parseDelimited(data, ',')
	case domain.DatasetFormatTSV:
		return parseDelimited(data, '\t')
	case domain.DatasetFormatJSON:
		return parseJSON(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// FileHash returns a cheap content fingerprint ("mtime:size") used by the
// dataset cache to detect changed files without hashing their contents.
func (r *Reader) FileHash(filePath string) (string, error) {
	info, err := os.Stat(r.ResolvePath(filePath))
	if err != nil {
		return "", fmt.Errorf("failed to stat dataset file: %w", err)
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

func parseDelimited(data []byte, delimiter rune) ([]domain.Row, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]domain.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(domain.Row, len(header))
		for i, key := range header {
			if i < len(record) {
				row[key] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSON(data []byte) ([]domain.Row, error) {
	var rows []domain.Row
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}

	// A singleton object is wrapped into a one-element list.
	var single domain.Row
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%w: expected JSON array or object", ErrMalformedDataset)
	}
	return []domain.Row{single}, nil
}
