package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// maxLine bounds one JSON-lines request; whole-file edits can be large.
const maxLine = 64 << 20

// ServeStream serves JSON-lines requests from r and writes responses and
// events to w, one JSON object per line. It returns when r is exhausted or
// ctx ends.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.serve(ctx, newStreamTransport(r, w))
}

type line struct {
	data []byte
	err  error
}

type streamTransport struct {
	lines chan line
	quit  chan struct{}
	once  sync.Once
	stop  sync.Once
	r     io.Reader
	enc   *json.Encoder
}

func newStreamTransport(r io.Reader, w io.Writer) *streamTransport {
	return &streamTransport{lines: make(chan line), quit: make(chan struct{}), r: r, enc: json.NewEncoder(w)}
}

// scan reads r on its own goroutine so that next can give up when ctx
// ends. The goroutine exits when r is exhausted or the session closes,
// whichever comes first after a line is read.
func (t *streamTransport) scan() {
	sc := bufio.NewScanner(t.r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		select {
		case t.lines <- line{data: bytes.Clone(data)}:
		case <-t.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case t.lines <- line{err: err}:
	case <-t.quit:
	}
}

func (t *streamTransport) next(ctx context.Context) ([]byte, error) {
	t.once.Do(func() { go t.scan() })
	select {
	case l := <-t.lines:
		return l.data, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) send(_ context.Context, msg any) error {
	return t.enc.Encode(msg)
}

func (t *streamTransport) close() {
	t.stop.Do(func() { close(t.quit) })
}
