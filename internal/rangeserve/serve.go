// Package rangeserve serves byte ranges of files that may still be growing.
// Only the first SafeSize bytes of a file are ever exposed.
package rangeserve

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

const copyBufferSize = 64 << 10

// Source describes the file to serve. SafeSize is the number of leading
// bytes known to be complete and immutable.
type Source struct {
	Path        string
	SafeSize    int64
	Complete    bool
	ContentType string
}

// Serve writes the requested range of src to w. A malformed Range header
// degrades to a full response. The returned error is only set when the file
// could not be opened (nothing has been written) or the copy failed midway.
func Serve(w http.ResponseWriter, r *http.Request, src Source) error {
	safe := src.SafeSize
	if safe < 0 {
		safe = 0
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	if src.ContentType != "" {
		h.Set("Content-Type", src.ContentType)
	}
	if !src.Complete {
		h.Set("Cache-Control", "no-store")
	}

	start, end := int64(0), safe-1
	status := http.StatusOK
	if raw := r.Header.Get("Range"); raw != "" {
		s, e, perr := parseByteRange(raw, safe)
		switch {
		case perr == nil:
			start, end = s, e
			status = http.StatusPartialContent
		case errors.Is(perr, errRangeNotSatisfiable):
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", safe))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
	}

	length := end - start + 1
	if length < 0 {
		length = 0
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, safe))
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead || length == 0 {
		return nil
	}

	buf := make([]byte, copyBufferSize)
	// Hide ReaderFrom so the copy goes through buf.
	_, err = io.CopyBuffer(struct{ io.Writer }{w}, io.NewSectionReader(f, start, length), buf)
	return err
}
