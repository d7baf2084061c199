package nitrite

// descriptorEqual reports whether two index descriptors are equivalent for
// the purpose of idempotent create_index/ensure_index calls: same
// collection, type, and field list in the same order.
func descriptorEqual(a, b *IndexDescriptor) bool {
	if a.Collection != b.Collection || a.Type != b.Type || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}
