package codec

// Partition groups consecutive values so that the payload bytes of each
// group stay within maxBytes. A single value larger than maxBytes gets a
// group of its own. maxBytes <= 0 puts everything in one group.
//
// Groups are returned as index ranges [start, end) into values.
func Partition(values []string, maxBytes int) [][2]int {
	if len(values) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		return [][2]int{{0, len(values)}}
	}

	var groups [][2]int
	start, size := 0, 0
	for i, v := range values {
		if i > start && size+len(v) > maxBytes {
			groups = append(groups, [2]int{start, i})
			start, size = i, 0
		}
		size += len(v)
	}
	return append(groups, [2]int{start, len(values)})
}
