package index

// SetAfterQuery installs a hook run between a searcher's query and its cache
// insert.
func SetAfterQuery(s *Searcher, fn func()) {
	s.afterQuery = fn
}
