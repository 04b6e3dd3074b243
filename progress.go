package ftps

import "io"

// ProgressFunc receives the running byte count of a transfer of path.
type ProgressFunc func(path string, bytesTransferred int64)

// transferCounter counts the bytes of one transfer and reports every
// increment to fn, when set.
type transferCounter struct {
	path  string
	fn    ProgressFunc
	total int64
}

func (c *transferCounter) add(n int) {
	if n <= 0 {
		return
	}
	c.total += int64(n)
	if c.fn != nil {
		c.fn(c.path, c.total)
	}
}

type progressReader struct {
	r io.Reader
	c *transferCounter
}

func (pr progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.c.add(n)
	return n, err
}

type progressWriter struct {
	w io.Writer
	c *transferCounter
}

func (pw progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.c.add(n)
	return n, err
}
