package cache

// AllKey is the key suffix for a table's unfiltered record list
const AllKey = "all"

// Key builds a table-scoped cache key: <table>-<key>
func Key(table, key string) string {
	return table + "-" + key
}
