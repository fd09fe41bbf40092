package connection

import (
	"errors"
	"io"
)

const readChunkSize = 8192

// reader blocks on r and forwards every chunk to events until EOF or an
// error. It does not look at the bytes.
func reader(r io.Reader, events chan<- ioEvent, done <-chan struct{}) {
	push := func(ev ioEvent) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !push(dataEvent{data: chunk}) {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			push(eofEvent{})
			return
		default:
			push(readerErrorEvent{err: err})
			return
		}
	}
}

// writer drains jobs onto w until it takes a disconnect job or a write
// fails.
func writer(w io.Writer, jobs <-chan writeJob, events chan<- ioEvent, done <-chan struct{}) {
	for {
		var job writeJob
		select {
		case job = <-jobs:
		case <-done:
			return
		}
		if job.disconnect {
			return
		}
		if _, err := w.Write(job.data); err != nil {
			select {
			case events <- writerErrorEvent{err: err}:
			case <-done:
			}
			return
		}
	}
}
