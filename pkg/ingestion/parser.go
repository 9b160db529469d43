package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultLocalIDPath is used when the registry does not name one.
const DefaultLocalIDPath = "id"

// Parser turns raw adapter items into source records. The local identifier
// is extracted with a JMESPath expression; an item it cannot identify is an
// error, never a silent skip.
type Parser struct {
	instance models.AdapterInstance
	expr     *jmespath.JMESPath
}

// NewParser compiles the instance's local id expression.
func NewParser(instance models.AdapterInstance) (*Parser, error) {
	path := instance.LocalIDPath
	if path == "" {
		path = DefaultLocalIDPath
	}
	expr, err := jmespath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid local_id_path %q for %s: %w", path, instance.SourceID, err)
	}
	return &Parser{instance: instance, expr: expr}, nil
}

// Parse converts one raw item. capturedAt stamps the whole fetch batch.
func (p *Parser) Parse(item map[string]any, clientLabel string, capturedAt time.Time) (models.SourceRecord, error) {
	localID, err := p.extractLocalID(item)
	if err != nil {
		return models.SourceRecord{}, err
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return models.SourceRecord{}, fmt.Errorf("failed to marshal item payload: %w", err)
	}

	return models.SourceRecord{
		SourceID:    p.instance.SourceID,
		AdapterType: p.instance.AdapterType,
		LocalID:     localID,
		ClientLabel: clientLabel,
		Payload:     payload,
		CapturedAt:  capturedAt,
	}, nil
}

// ParseBatch converts a fetch batch, collecting one error per rejected item.
func (p *Parser) ParseBatch(batch *models.RawBatch, capturedAt time.Time) ([]models.SourceRecord, []error) {
	records := make([]models.SourceRecord, 0, len(batch.Items))
	var errs []error
	for i, item := range batch.Items {
		rec, err := p.Parse(item, batch.ClientLabel, capturedAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func (p *Parser) extractLocalID(item map[string]any) (string, error) {
	value, err := p.expr.Search(item)
	if err != nil {
		return "", fmt.Errorf("local id extraction failed: %w", err)
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("local id is empty")
		}
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("local id missing at %q", p.instance.LocalIDPath)
	default:
		return "", fmt.Errorf("local id at %q has unsupported type %T", p.instance.LocalIDPath, value)
	}
}
