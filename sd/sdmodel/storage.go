package sdmodel

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

// Storage is the basic interface to a card's backing storage. It is
// read-only: to enable writes, storage types should also implement
// io.WriterAt.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is a read-write user area held in memory.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is a read-write user area backed by an open file, usually a
// raw card image.
type FileStorage struct {
	File *os.File
}

// HTTPStorage reads the user area from a URL, one ranged GET per card
// read. The server must answer HEAD and honor Range headers; writes are
// not possible.
type HTTPStorage struct {
	URL string
}

// ReadAt copies out of the slice at off.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return copy(p, ms.Bytes[off:]), nil
}

// Size reports the slice length.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies into the slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads the image file at off.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the image file.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes the image file at off.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// ReadAt fetches p's worth of bytes at off with a ranged GET.
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("sdmodel: GET %s: server did not honor the range request (status %d)",
			hs.URL, res.StatusCode)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size derives the user-area size from a HEAD request's Content-Length.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sdmodel: HEAD %s: status %d", hs.URL, res.StatusCode)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
