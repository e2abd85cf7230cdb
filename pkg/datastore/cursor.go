package datastore

// SliceCursor is a Cursor over materialized rows.
type SliceCursor struct {
	rows []DiffRow
	pos  int
}

// NewSliceCursor returns a cursor positioned before the first row.
func NewSliceCursor(rows []DiffRow) *SliceCursor {
	return &SliceCursor{rows: rows, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.pos+1 >= len(c.rows) {
		c.pos = len(c.rows)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Row() DiffRow {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return DiffRow{}
	}
	return c.rows[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error { return nil }

// Collect drains a cursor into a slice and closes it.
func Collect(c Cursor) ([]DiffRow, error) {
	defer c.Close()
	var rows []DiffRow
	for c.Next() {
		rows = append(rows, c.Row())
	}
	return rows, c.Err()
}
