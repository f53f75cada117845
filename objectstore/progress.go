package objectstore

import "io"

// ProgressReader counts bytes as the transport pulls them from the body.
type ProgressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

// NewProgressReader wraps r. A nil fn disables reporting.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, progress: fn}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.progress != nil {
			p.progress(p.read, p.total)
		}
	}
	return n, err
}

// Transferred returns the number of bytes read so far.
func (p *ProgressReader) Transferred() int64 {
	return p.read
}
