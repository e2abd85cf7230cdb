package binding

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

// rowStatusColumn holds the row-level config status in an encoded status map.
const rowStatusColumn = "cs_row_status"

// cell is the encoded form of one value column and its validity column.
type cell struct {
	Value keyval.Value    `json:"v"`
	Valid keyval.Validity `json:"f"`
}

// MarshalConfig encodes the values and validity tags of rec, one entry per
// bound value column. Status is encoded separately so that datastore diffs
// compare configuration only.
func (s *Schema) MarshalConfig(rec *keyval.Record) ([]byte, error) {
	if rec == nil {
		return []byte("null"), nil
	}
	cells := make(map[string]cell, len(s.Values))
	for _, c := range s.Values {
		a := rec.Attr(c.Index)
		if a == nil {
			return nil, engine.Errorf(engine.CodeBadRequest, "%s record has no slot for column %s", s.KeyType, c.Name)
		}
		if a.Valid == keyval.Invalid {
			cells[c.Name] = cell{}
			continue
		}
		if c.Width > 0 && len(a.Value.Str) > c.Width {
			return nil, engine.Errorf(engine.CodeBadRequest, "column %s exceeds width %d", c.Name, c.Width).
				WithKey(s.KeyType, "")
		}
		cells[c.Name] = cell{Value: a.Value, Valid: a.Valid}
	}
	data, err := json.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s config: %w", s.KeyType, err)
	}
	return data, nil
}

// MarshalStatus encodes the row status and every per-column status of rec.
func (s *Schema) MarshalStatus(rec *keyval.Record) ([]byte, error) {
	if rec == nil {
		return []byte("null"), nil
	}
	st := make(map[string]keyval.ConfigStatus, len(s.Values)+1)
	st[rowStatusColumn] = rec.Status
	for _, c := range s.Values {
		if a := rec.Attr(c.Index); a != nil {
			st[StatusColumn(c)] = a.Status
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s status: %w", s.KeyType, err)
	}
	return data, nil
}

// Unmarshal rebuilds a record from its encoded config and status.
// A "null" config yields a nil record.
func (s *Schema) Unmarshal(config, status []byte) (*keyval.Record, error) {
	var cells map[string]cell
	if err := json.Unmarshal(config, &cells); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", s.KeyType, err)
	}
	if cells == nil {
		return nil, nil
	}
	var st map[string]keyval.ConfigStatus
	if len(status) > 0 {
		if err := json.Unmarshal(status, &st); err != nil {
			return nil, fmt.Errorf("failed to decode %s status: %w", s.KeyType, err)
		}
	}

	rec := keyval.NewRecord(s.Table, s.attrs)
	rec.Status = st[rowStatusColumn]
	for _, c := range s.Values {
		a := rec.Attr(c.Index)
		if cl, ok := cells[c.Name]; ok {
			a.Value = cl.Value
			a.Valid = cl.Valid
		}
		a.Status = st[StatusColumn(c)]
	}
	return rec, nil
}
