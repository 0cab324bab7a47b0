package domain

// FileRef describes one file inside a fetched source. Offset is the byte
// offset of the file within the concatenated unit space.
type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	Offset         int64  `json:"-"`
	BytesCompleted int64  `json:"bytesCompleted"`
}
