package tracefile

import (
	"io"
	"os"
)

// File is an open trace container: a Header plus the record stream
// that follows it.
type File struct {
	Header Header

	r      io.ReaderAt
	closer io.Closer
}

// New wraps an already-open reader. The caller must keep r open as
// long as it uses the returned *File.
func New(r io.ReaderAt) (*File, error) {
	sr := io.NewSectionReader(r, 0, 4096)
	hdr, err := readHeader(sr)
	if err != nil {
		return nil, err
	}
	return &File{Header: hdr, r: r}, nil
}

// Open opens the named trace container file.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	tf, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	tf.closer = f
	return tf, nil
}

func (f *File) Close() error {
	if f.closer != nil {
		err := f.closer.Close()
		f.closer = nil
		return err
	}
	return nil
}

// ReaderAt exposes the underlying file for callers (the splitter)
// that need to re-read raw PT byte ranges named by RecordAuxtrace.
func (f *File) ReaderAt() io.ReaderAt { return f.r }

// Records returns an iterator over the record stream starting right
// after the fixed header.
func (f *File) Records() *Records {
	return newRecords(f.r, int64(f.Header.HeaderSize), f.Header.SampleType)
}
