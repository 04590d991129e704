// Package logging provides a human-oriented slog.Handler for terminals. Each
// record is printed as a single line: time, level, source, message, and the
// attributes as a JSON object.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

type Options struct {
	Level          slog.Leveler
	UseColor       bool
	ShowSource     bool
	CompactJSON    bool
	TimeFormat     string
	NoTimestamp    bool
	LevelWidth     int
	FieldSeparator string
	// MaxFieldLength truncates string attribute values; 0 disables it.
	MaxFieldLength int
}

func DefaultOptions() Options {
	return Options{
		Level:          slog.LevelInfo,
		UseColor:       true,
		ShowSource:     false,
		CompactJSON:    true,
		TimeFormat:     time.TimeOnly,
		LevelWidth:     5,
		FieldSeparator: " | ",
	}
}

type palette struct {
	time    func(...any) string
	message func(...any) string
	source  func(...any) string
	fields  func(...any) string
	level   map[slog.Level]func(...any) string
}

func newPalette(enabled bool) palette {
	if !enabled {
		plain := fmt.Sprint
		return palette{
			time:    plain,
			message: plain,
			source:  plain,
			fields:  plain,
			level:   map[slog.Level]func(...any) string{},
		}
	}

	return palette{
		time:    color.New(color.FgHiBlack).SprintFunc(),
		message: color.New(color.FgCyan).SprintFunc(),
		source:  color.New(color.FgHiBlack).SprintFunc(),
		fields:  color.New(color.FgWhite).SprintFunc(),
		level: map[slog.Level]func(...any) string{
			slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
			slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
			slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
			slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
		},
	}
}

// PrettyHandler writes colourised single-line records. Handlers derived via
// WithAttrs/WithGroup share the writer lock of their parent.
type PrettyHandler struct {
	opts   Options
	w      io.Writer
	mu     *sync.Mutex
	pal    palette
	groups []string
	attrs  []groupedAttr
}

// groupedAttr remembers the group path that was open when the attribute was
// attached, so WithAttrs followed by WithGroup nests correctly.
type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}
	if o.FieldSeparator == "" {
		o.FieldSeparator = " | "
	}

	return &PrettyHandler{opts: o, w: w, mu: &sync.Mutex{}, pal: newPalette(o.UseColor)}
}

// New returns a logger backed by a PrettyHandler.
func New(w io.Writer, opts *Options) *slog.Logger {
	return slog.New(NewPrettyHandler(w, opts))
}

// ParseLevel maps debug/info/warn/error (case insensitive) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return lvl, nil
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	sep := h.opts.FieldSeparator

	if !h.opts.NoTimestamp && !r.Time.IsZero() {
		buf.WriteString(h.pal.time(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteString(sep)
	}

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(sep)

	if h.opts.ShowSource {
		if src := source(r.PC); src != "" {
			buf.WriteString(h.pal.source(src))
			buf.WriteString(sep)
		}
	}

	buf.WriteString(h.pal.message(r.Message))

	if fields := h.collect(r); len(fields) > 0 {
		buf.WriteString(sep)
		if err := h.writeFields(buf, fields); err != nil {
			fmt.Fprintf(buf, "(error formatting attributes: %v)", err)
		}
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	c := h.clone()
	for _, a := range attrs {
		c.attrs = append(c.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	c := h.clone()
	c.groups = append(c.groups, name)
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		opts:   h.opts,
		w:      h.w,
		mu:     h.mu,
		pal:    h.pal,
		groups: append([]string(nil), h.groups...),
		attrs:  append([]groupedAttr(nil), h.attrs...),
	}
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if h.opts.LevelWidth > 0 {
		s = fmt.Sprintf("%-*s", h.opts.LevelWidth, s)
	}

	if paint, ok := h.pal.level[level]; ok {
		return paint(s)
	}
	if paint, ok := h.pal.level[slog.LevelError]; ok && level > slog.LevelError {
		return paint(s)
	}
	return s
}

func source(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *PrettyHandler) collect(r slog.Record) map[string]any {
	root := make(map[string]any)

	for _, ga := range h.attrs {
		h.put(nest(root, ga.groups), ga.attr)
	}

	target := nest(root, h.groups)
	r.Attrs(func(a slog.Attr) bool {
		h.put(target, a)
		return true
	})

	prune(root)
	return root
}

func nest(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		next, ok := m[g].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[g] = next
		}
		m = next
	}
	return m
}

func (h *PrettyHandler) put(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()

	switch v.Kind() {
	case slog.KindGroup:
		group := make(map[string]any)
		for _, ga := range v.Group() {
			h.put(group, ga)
		}
		if a.Key == "" {
			for k, gv := range group {
				m[k] = gv
			}
			return
		}
		m[a.Key] = group
	case slog.KindTime:
		m[a.Key] = v.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		m[a.Key] = v.Duration().String()
	default:
		val := v.Any()
		switch t := val.(type) {
		case error:
			val = t.Error()
		case fmt.Stringer:
			val = t.String()
		case string:
			if h.opts.MaxFieldLength > 0 && len(t) > h.opts.MaxFieldLength {
				val = t[:h.opts.MaxFieldLength] + "..."
			}
		}
		m[a.Key] = val
	}
}

func prune(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			prune(nested)
			if len(nested) == 0 {
				delete(m, k)
			}
		}
	}
}

func (h *PrettyHandler) writeFields(buf *bytes.Buffer, fields map[string]any) error {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if !h.opts.CompactJSON {
		enc.SetIndent("", "  ")
	}

	if err := enc.Encode(fields); err != nil {
		return err
	}

	buf.WriteString(h.pal.fields(string(bytes.TrimRight(out.Bytes(), "\n"))))
	return nil
}
