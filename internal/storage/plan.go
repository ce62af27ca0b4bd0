package storage

const (
	// MinPartSize is the smallest part S3-compatible stores accept (except the last).
	MinPartSize int64 = 5 << 20
	// MaxParts is the largest part count of a multipart upload.
	MaxParts = 10000
)

// Part is one fixed-size slice of an upload.
type Part struct {
	Number int   `json:"part_number"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// Plan slices size bytes into consecutive parts of chunkSize bytes; the last
// part carries the remainder. chunkSize is raised to MinPartSize and doubled
// until the part count fits MaxParts. An empty upload yields one empty part.
// The effective chunk size is returned alongside the parts.
func Plan(size, chunkSize int64) ([]Part, int64) {
	if chunkSize < MinPartSize {
		chunkSize = MinPartSize
	}
	if size <= 0 {
		return []Part{{Number: 1, Offset: 0, Size: 0}}, chunkSize
	}
	for (size+chunkSize-1)/chunkSize > MaxParts {
		chunkSize *= 2
	}
	count := int((size + chunkSize - 1) / chunkSize)
	parts := make([]Part, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * chunkSize
		n := chunkSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		parts = append(parts, Part{Number: i + 1, Offset: offset, Size: n})
	}
	return parts, chunkSize
}
