package xnet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// Field is a single structured logging attribute, passed to Logger methods.
type Field struct {
	Key string
	Val any
}

// F constructs a Field, for call sites like:
//
//	logger.Info("accepted connection", xnet.F("slot", id), xnet.F("remote", addr))
func F(key string, val any) Field { return Field{Key: key, Val: val} }

// Logger is the structured logging facade used throughout the reactor.
// Implementations must tolerate concurrent use from multiple reactor
// goroutines (a process commonly runs more than one Reactor, e.g. the log
// reactor described in NewLogReactor).
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(err error, msg string, fields ...Field)
}

// noopLogger discards everything; it is the default when WithLogger is not
// supplied.
type noopLogger struct{}

func (noopLogger) Debug(string, ...Field)      {}
func (noopLogger) Info(string, ...Field)       {}
func (noopLogger) Warn(string, ...Field)       {}
func (noopLogger) Error(error, string, ...Field) {}

// xnetEvent is the minimal logiface.Event implementation backing
// NewDefaultLogger. It accumulates fields in arrival order and never
// allocates beyond growing its own slice, mirroring the pooled-event
// pattern logiface callers are expected to use.
type xnetEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields []Field
}

func (e *xnetEvent) Level() logiface.Level { return e.level }

func (e *xnetEvent) AddField(key string, val any) {
	e.fields = append(e.fields, Field{Key: key, Val: val})
}

func (e *xnetEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *xnetEvent) AddError(err error) bool {
	e.err = err
	return true
}

func (e *xnetEvent) reset() {
	e.level = logiface.LevelDisabled
	e.msg = ""
	e.err = nil
	e.fields = e.fields[:0]
}

// xnetEventFactory and xnetEventReleaser implement logiface.EventFactory and
// logiface.EventReleaser over a sync.Pool of *xnetEvent, avoiding an
// allocation per log call on the hot path.
type xnetEventFactory struct {
	pool sync.Pool
}

func newXnetEventFactory() *xnetEventFactory {
	f := &xnetEventFactory{}
	f.pool.New = func() any { return new(xnetEvent) }
	return f
}

func (f *xnetEventFactory) NewEvent(level logiface.Level) *xnetEvent {
	e := f.pool.Get().(*xnetEvent)
	e.level = level
	return e
}

func (f *xnetEventFactory) ReleaseEvent(e *xnetEvent) {
	e.reset()
	f.pool.Put(e)
}

// jsonLineWriter implements logiface.Writer[*xnetEvent], serializing each
// event as a single newline-delimited JSON object.
type jsonLineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *jsonLineWriter) Write(e *xnetEvent) error {
	rec := make(map[string]any, len(e.fields)+3)
	rec["level"] = e.level.String()
	rec["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	if e.msg != "" {
		rec["msg"] = e.msg
	}
	if e.err != nil {
		rec["error"] = e.err.Error()
	}
	for _, f := range e.fields {
		rec[f.Key] = f.Val
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(b)
	return err
}

// defaultLogger adapts a logiface.Logger[*xnetEvent] to the Logger
// interface used by the Reactor.
type defaultLogger struct {
	factory *xnetEventFactory
	core    *logiface.Logger[*xnetEvent]
}

// NewDefaultLogger builds the built-in Logger implementation, writing
// newline-delimited JSON records to w via logiface.
func NewDefaultLogger(w io.Writer, level logiface.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	factory := newXnetEventFactory()
	core := logiface.New[*xnetEvent](
		logiface.WithEventFactory[*xnetEvent](factory),
		logiface.WithEventReleaser[*xnetEvent](logiface.EventReleaserFunc[*xnetEvent](factory.ReleaseEvent)),
		logiface.WithWriter[*xnetEvent](&jsonLineWriter{out: w}),
		logiface.WithLevel[*xnetEvent](level),
	)
	return &defaultLogger{factory: factory, core: core}
}

func (l *defaultLogger) log(level logiface.Level, err error, msg string, fields []Field) {
	b := l.core.Build(level)
	if b == nil {
		return
	}
	for _, f := range fields {
		b.Any(f.Key, f.Val)
	}
	if err != nil {
		b.Err(err)
	}
	b.Log(msg)
}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.log(logiface.LevelDebug, nil, msg, fields)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.log(logiface.LevelInformational, nil, msg, fields)
}

func (l *defaultLogger) Warn(msg string, fields ...Field) {
	l.log(logiface.LevelWarning, nil, msg, fields)
}

func (l *defaultLogger) Error(err error, msg string, fields ...Field) {
	l.log(logiface.LevelError, err, msg, fields)
}

// writerLogger is a minimal fallback used by tests when a
// plain io.Writer suffices and pulling in logiface would be overkill (e.g.
// capturing output in a bytes.Buffer for assertions).
type writerLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriterLogger returns a Logger that writes plain lines to w, with no
// structured encoding. Intended for tests.
func NewWriterLogger(w io.Writer) Logger { return &writerLogger{out: w} }

func (l *writerLogger) line(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s", level, msg)
	for _, f := range fields {
		fmt.Fprintf(l.out, " %s=%v", f.Key, f.Val)
	}
	fmt.Fprintln(l.out)
}

func (l *writerLogger) Debug(msg string, fields ...Field) { l.line("DEBUG", msg, fields) }
func (l *writerLogger) Info(msg string, fields ...Field)  { l.line("INFO", msg, fields) }
func (l *writerLogger) Warn(msg string, fields ...Field)  { l.line("WARN", msg, fields) }
func (l *writerLogger) Error(err error, msg string, fields ...Field) {
	l.line("ERROR", fmt.Sprintf("%s: %v", msg, err), fields)
}
