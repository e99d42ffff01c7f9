package export

// Column maps a row key to its printed label.
type Column struct {
	Key   string
	Label string
	// Width is a relative weight used by the PDF layout. Zero means 1.
	Width float64
}

// Dataset defines tabular export content.
type Dataset struct {
	Columns []Column
	Rows    []map[string]string
}

func (d Dataset) labels() []string {
	out := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		out[i] = col.Label
		if out[i] == "" {
			out[i] = col.Key
		}
	}
	return out
}
