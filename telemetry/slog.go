package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// maxMessageLen bounds the compact message retained per entry.
const maxMessageLen = 128

// Handler is a slog.Handler that writes every record to the console
// (via TextHandler) and additionally retains INFO-and-above records in
// a Ring for the REST log endpoint.
type Handler struct {
	textHandler slog.Handler
	ring        *Ring
	group       string
}

// NewHandler builds a handler writing to w and retaining into ring.
func NewHandler(w io.Writer, ring *Ring, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		textHandler: slog.NewTextHandler(w, opts),
		ring:        ring,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record to the console and queues it to the ring.
// DEBUG records are not retained, to keep the ring useful.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)

	if h.ring != nil && r.Level >= slog.LevelInfo {
		h.ring.Append(Entry{
			Time:    r.Time,
			Level:   r.Level.String(),
			Message: buildMessage(h.group, r),
		})
	}
	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		textHandler: h.textHandler.WithAttrs(attrs),
		ring:        h.ring,
		group:       h.group,
	}
}

// WithGroup returns a new Handler with the given group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &Handler{
		textHandler: h.textHandler.WithGroup(name),
		ring:        h.ring,
		group:       newGroup,
	}
}

// buildMessage renders "msg key=val key2=val2" with a group prefix,
// truncated to maxMessageLen, keeping at most four attributes.
func buildMessage(group string, r slog.Record) string {
	var b strings.Builder
	if group != "" {
		b.WriteString(group)
		b.WriteByte(':')
	}
	b.WriteString(r.Message)

	attrCount := 0
	r.Attrs(func(a slog.Attr) bool {
		if attrCount >= 4 || b.Len() >= maxMessageLen-10 {
			return false
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(attrValue(a.Value))
		attrCount++
		return true
	})

	msg := b.String()
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}

func attrValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	default:
		return v.String()
	}
}
