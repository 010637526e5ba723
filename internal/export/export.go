// Package export serializes collected samples and hands them to a blob store,
// optionally announcing each artifact on a topic.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// Format selects the artifact encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ErrUnknownFormat is returned for formats other than csv and json.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat normalizes s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Config controls artifact naming and notification.
type Config struct {
	Prefix string
	// Topic enables notifications when set and a Publisher is supplied.
	Topic string
}

// Artifact describes one written export.
type Artifact struct {
	URI       string `json:"uri"`
	Format    Format `json:"format"`
	Count     int    `json:"count"`
	MessageID string `json:"message_id,omitempty"`
}

// Notification is published after an artifact is written.
type Notification struct {
	RunID      string    `json:"run_id"`
	URI        string    `json:"uri"`
	Format     Format    `json:"format"`
	TotalCount int       `json:"total_count"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

// Attributes exposes filterable message attributes.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "format": string(n.Format)}
}

// Exporter writes batches to a BlobStore.
type Exporter struct {
	cfg       Config
	store     crawler.BlobStore
	publisher crawler.Publisher
	logger    *zap.Logger
}

// New builds an Exporter. publisher may be nil.
func New(cfg Config, store crawler.BlobStore, publisher crawler.Publisher, logger *zap.Logger) (*Exporter, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, store: store, publisher: publisher, logger: logger.Named("export")}, nil
}

// Export encodes batch and stores it at <prefix>/<run_id>.<format>. A failed
// notification is logged; the artifact is still returned.
func (e *Exporter) Export(ctx context.Context, batch *collector.Batch, format Format) (Artifact, error) {
	if batch == nil {
		return Artifact{}, fmt.Errorf("batch is required")
	}
	var (
		body        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatCSV:
		body, err = EncodeCSV(batch.Records)
		contentType = "text/csv"
	case FormatJSON:
		body, err = EncodeJSON(batch.Records, batch.FinishedAt)
		contentType = "application/json"
	default:
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return Artifact{}, err
	}

	objectPath := e.objectPath(batch, format)
	uri, err := e.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", objectPath, err)
	}
	art := Artifact{URI: uri, Format: format, Count: len(batch.Records)}
	logger := e.logger.With(zap.String("run_id", batch.RunID), zap.String("uri", uri))
	logger.Info("samples exported", zap.Int("records", art.Count), zap.String("format", string(format)))

	if e.publisher != nil && e.cfg.Topic != "" {
		id, err := e.publisher.Publish(ctx, e.cfg.Topic, Notification{
			RunID:      batch.RunID,
			URI:        uri,
			Format:     format,
			TotalCount: art.Count,
			ScrapedAt:  batch.FinishedAt,
		})
		if err != nil {
			logger.Warn("export notification failed", zap.String("topic", e.cfg.Topic), zap.Error(err))
		} else {
			art.MessageID = id
		}
	}
	return art, nil
}

func (e *Exporter) objectPath(batch *collector.Batch, format Format) string {
	name := batch.RunID
	if name == "" {
		name = "samples_" + batch.FinishedAt.UTC().Format("20060102_150405")
	}
	return path.Join(e.cfg.Prefix, name+"."+string(format))
}

// EncodeCSV writes one row per record. The header is the sorted union of all
// field names; absent fields are empty cells.
func EncodeCSV(records []crawler.Record) ([]byte, error) {
	fieldSet := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			fieldSet[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	row := make([]string, len(header))
	for _, rec := range records {
		for i, field := range header {
			row[i] = cell(rec[field])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

type jsonDocument struct {
	Products   []crawler.Record `json:"products"`
	TotalCount int              `json:"total_count"`
	ScrapedAt  time.Time        `json:"scraped_at"`
}

// EncodeJSON wraps records in {products, total_count, scraped_at}.
func EncodeJSON(records []crawler.Record, scrapedAt time.Time) ([]byte, error) {
	if records == nil {
		records = []crawler.Record{}
	}
	data, err := json.MarshalIndent(jsonDocument{
		Products:   records,
		TotalCount: len(records),
		ScrapedAt:  scrapedAt.UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}
