// Package logctx is a small structured logger in the key/value call
// convention the teacher repo uses throughout (consensus/istanbul/proxy,
// les/server.go): log.Info("message", "key", value, ...). It is a from
// -scratch implementation -- not a copy of go-ethereum/celo's internal log
// package -- built on the same caller-capture library, go-stack/stack, and
// on fatih/color + mattn/go-isatty/go-colorable for terminal-aware output.
package logctx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log verbosity level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "?"
	}
}

var levelColor = map[Level]*color.Color{
	LevelError: color.New(color.FgRed, color.Bold),
	LevelWarn:  color.New(color.FgYellow),
	LevelInfo:  color.New(color.FgGreen),
	LevelDebug: color.New(color.FgCyan),
	LevelTrace: color.New(color.FgWhite),
}

// Logger emits leveled, structured log lines with a fixed set of
// context key/value pairs bound via New.
type Logger struct {
	ctx []interface{}
}

var (
	mu       sync.Mutex
	out      io.Writer
	jsonMode bool
	minLevel = LevelInfo
)

func init() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		out = colorable.NewColorableStdout()
	} else {
		out = os.Stdout
		jsonMode = true
	}
}

// SetOutput redirects all log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetJSON forces (or disables) line-oriented JSON output regardless of TTY
// detection.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonMode = enabled
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// New returns a Logger with ctx bound as a permanent key/value prefix,
// mirroring the teacher's `p.logger.New("func", "SendForwardMsg")` idiom.
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: ctx}
}

func (l *Logger) with(ctx []interface{}) []interface{} {
	if len(l.ctx) == 0 {
		return ctx
	}
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return merged
}

func (l *Logger) Error(msg string, ctx ...interface{}) { emit(LevelError, msg, l.with(ctx)) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { emit(LevelWarn, msg, l.with(ctx)) }
func (l *Logger) Info(msg string, ctx ...interface{})  { emit(LevelInfo, msg, l.with(ctx)) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { emit(LevelDebug, msg, l.with(ctx)) }
func (l *Logger) Trace(msg string, ctx ...interface{}) { emit(LevelTrace, msg, l.with(ctx)) }

var root = New()

func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }

func emit(level Level, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level > minLevel {
		return
	}
	// Call-site attribution is only worth its stack-walk cost for the
	// levels an operator actually goes looking for a source line from.
	var caller string
	if level <= LevelWarn {
		caller = Caller(2)
	}
	if jsonMode {
		writeJSON(level, msg, caller, ctx)
		return
	}
	writeTerminal(level, msg, caller, ctx)
}

func writeJSON(level Level, msg, caller string, ctx []interface{}) {
	rec := map[string]interface{}{
		"t":   time.Now().UTC().Format(time.RFC3339Nano),
		"lvl": level.String(),
		"msg": msg,
	}
	if caller != "" {
		rec["caller"] = caller
	}
	for i := 0; i+1 < len(ctx); i += 2 {
		if k, ok := ctx[i].(string); ok {
			rec[k] = ctx[i+1]
		}
	}
	enc := json.NewEncoder(out)
	_ = enc.Encode(rec)
}

func writeTerminal(level Level, msg, caller string, ctx []interface{}) {
	c := levelColor[level]
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte(' ')
	b.WriteString(c.Sprintf("%-5s", level.String()))
	b.WriteByte(' ')
	b.WriteString(msg)
	if caller != "" {
		fmt.Fprintf(&b, " caller=%s", caller)
	}
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(&b, " %v=%v", ctx[i], ctx[i+1])
	}
	fmt.Fprintln(out, b.String())
}

// Caller returns "file:line" for the function that called the function n
// frames above Caller, using go-stack/stack the way the teacher's own log
// machinery captures call sites.
func Caller(skip int) string {
	c := stack.Caller(skip + 1)
	return fmt.Sprintf("%+v", c)
}
