package schema

import "time"

// Column describes one column as reported by pragma_table_info.
type Column struct {
	Name         string `json:"name"`
	DeclaredType string `json:"declared_type"`
	Nullable     bool   `json:"nullable"`
	PrimaryKey   bool   `json:"primary_key"`
	Default      string `json:"default,omitempty"`
}

// Table holds the introspected shape of one table plus a bounded sample.
// An entry with no columns records a table whose introspection failed.
type Table struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	SampleRows [][]any  `json:"sample_rows"`
	RowCount   int64    `json:"row_count"`
}

func (t Table) Populated() bool {
	return len(t.Columns) > 0
}

// Snapshot is an immutable description of one database. It is shared
// read-only across concurrent requests and replaced wholesale on refresh.
type Snapshot struct {
	Database     string            `json:"database"`
	Tables       []Table           `json:"tables"`
	DisplayNames map[string]string `json:"display_names,omitempty"`
	TakenAt      time.Time         `json:"taken_at"`
}

func (s Snapshot) Table(name string) (Table, bool) {
	for _, table := range s.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

// Usable reports whether at least one table was introspected successfully.
func (s Snapshot) Usable() bool {
	for _, table := range s.Tables {
		if table.Populated() {
			return true
		}
	}
	return false
}

// DisplayName returns the human label for a physical column name, or the
// physical name itself when no mapping exists. Advisory only; SQL is always
// emitted against physical names.
func (s Snapshot) DisplayName(column string) string {
	if label, ok := s.DisplayNames[column]; ok && label != "" {
		return label
	}
	return column
}
