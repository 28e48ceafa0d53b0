package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hupe1980/agentrun/core"
)

// maxLineSize bounds a single recorded event.
const maxLineSize = 4 << 20

// JSONLOptions configures JSONL and Recorder.
type JSONLOptions struct {
	// Buffer is the event channel capacity. Values <= 0 keep the default.
	Buffer int
}

const defaultJSONLBuffer = 16

func newJSONLOptions(optFns []func(o *JSONLOptions)) JSONLOptions {
	opts := JSONLOptions{Buffer: defaultJSONLBuffer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultJSONLBuffer
	}
	return opts
}

// JSONL replays a recorded event log: one AG-UI JSON event per line. Blank
// lines are skipped. A line that is not a valid event fails the stream.
type JSONL struct {
	r    io.Reader
	opts JSONLOptions
}

// NewJSONL returns a source reading events from r. The reader is consumed by
// the first Stream call.
func NewJSONL(r io.Reader, optFns ...func(o *JSONLOptions)) *JSONL {
	return &JSONL{r: r, opts: newJSONLOptions(optFns)}
}

// Stream implements Source.
func (j *JSONL) Stream(ctx context.Context, _ Request) (<-chan core.Event, <-chan error) {
	w, events, errs := Pipe(ctx, j.opts.Buffer)
	go func() {
		defer w.Close()

		sc := bufio.NewScanner(j.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			ev, err := core.DecodeEvent(raw)
			if err != nil {
				w.Fail(fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !w.Emit(ev) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			w.Fail(fmt.Errorf("read event log: %w", err))
		}
	}()
	return events, errs
}

// Recorder wraps a Source and writes every event it yields to w as JSONL,
// producing logs JSONL can replay.
type Recorder struct {
	src  Source
	w    io.Writer
	opts JSONLOptions
}

// NewRecorder returns a recording wrapper around src.
func NewRecorder(src Source, w io.Writer, optFns ...func(o *JSONLOptions)) *Recorder {
	return &Recorder{src: src, w: w, opts: newJSONLOptions(optFns)}
}

// Stream implements Source.
func (r *Recorder) Stream(ctx context.Context, req Request) (<-chan core.Event, <-chan error) {
	in, inErrs := r.src.Stream(ctx, req)
	w, events, errs := Pipe(ctx, r.opts.Buffer)
	go func() {
		defer w.Close()
		for ev := range in {
			raw, err := core.EncodeEvent(ev)
			if err == nil {
				raw = append(raw, '\n')
				_, err = r.w.Write(raw)
			}
			if err != nil {
				w.Fail(fmt.Errorf("record event: %w", err))
				return
			}
			if !w.Emit(ev) {
				return
			}
		}
		if err, ok := <-inErrs; ok && err != nil {
			w.Fail(err)
		}
	}()
	return events, errs
}
