package tracking

// ChangeSet is the result of diffing an entity against its snapshot
type ChangeSet struct {
	order   []string
	changes map[string]*FieldChange
}

// ChangedColumns returns the changed columns in table order
func (cs *ChangeSet) ChangedColumns() []string {
	return append([]string(nil), cs.order...)
}

// HasChanges returns true if any column has changed
func (cs *ChangeSet) HasChanges() bool {
	return len(cs.order) > 0
}

// Len returns the number of changed columns
func (cs *ChangeSet) Len() int {
	return len(cs.order)
}

// GetChange returns the FieldChange for a column, or nil if unchanged
func (cs *ChangeSet) GetChange(column string) *FieldChange {
	return cs.changes[column]
}

// GetChangedData returns the new values of the changed columns.
// This is what an UPDATE statement sets.
func (cs *ChangeSet) GetChangedData() map[string]interface{} {
	result := make(map[string]interface{}, len(cs.changes))
	for col, change := range cs.changes {
		result[col] = change.NewValue
	}
	return result
}
