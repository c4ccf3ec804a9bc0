package document

import (
	"fmt"
	"strings"
	"sync"
)

// EditKind identifies what an Edit event did to the buffer.
type EditKind string

const (
	EditInsert       EditKind = "insert"
	EditDelete       EditKind = "delete"
	EditPending      EditKind = "pending"
	EditClearPending EditKind = "clear_pending"
	EditCursor       EditKind = "cursor"
)

// Edit describes one mutation applied to a Buffer, in the order applied.
// Subscribers replay them to mirror the buffer elsewhere.
type Edit struct {
	Seq      uint64    `json:"seq"`
	Kind     EditKind  `json:"kind"`
	Position *Position `json:"position,omitempty"`
	Range    *Range    `json:"range,omitempty"`
	Text     string    `json:"text,omitempty"`
}

const subscriberBuffer = 256

// Buffer is an in-memory Editor. It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	unit    Unit
	lines   []string
	cursor  Position
	pending *Range
	seq     uint64
	subs    map[int]chan Edit
	nextSub int
}

// NewBuffer creates a buffer holding text with columns counted in unit.
func NewBuffer(text string, unit Unit) *Buffer {
	return &Buffer{
		unit:  unit,
		lines: strings.Split(text, "\n"),
		subs:  make(map[int]chan Edit),
	}
}

// Text returns the full document text.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// End returns the position just past the last character.
func (b *Buffer) End() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := len(b.lines) - 1
	return Position{Line: last, Column: b.unit.Width(b.lines[last])}
}

// Pending returns the current pending decoration, if any.
func (b *Buffer) Pending() (Range, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Range{}, false
	}
	return *b.pending, true
}

func (b *Buffer) Unit() Unit { return b.unit }

func (b *Buffer) Cursor() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *Buffer) SetCursor(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = b.clamp(p)
	c := b.cursor
	b.publish(Edit{Kind: EditCursor, Position: &c})
}

func (b *Buffer) TextBefore(p Position) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	line, off := b.locate(b.clamp(p))
	var sb strings.Builder
	for i := 0; i < line; i++ {
		sb.WriteString(b.lines[i])
		sb.WriteByte('\n')
	}
	sb.WriteString(b.lines[line][:off])
	return sb.String()
}

func (b *Buffer) TextAfter(p Position) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	line, off := b.locate(b.clamp(p))
	var sb strings.Builder
	sb.WriteString(b.lines[line][off:])
	for i := line + 1; i < len(b.lines); i++ {
		sb.WriteByte('\n')
		sb.WriteString(b.lines[i])
	}
	return sb.String()
}

func (b *Buffer) Insert(p Position, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(p); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	line, off := b.locate(p)
	head, tail := b.lines[line][:off], b.lines[line][off:]
	parts := strings.Split(text, "\n")
	parts[0] = head + parts[0]
	parts[len(parts)-1] += tail

	lines := make([]string, 0, len(b.lines)+len(parts)-1)
	lines = append(lines, b.lines[:line]...)
	lines = append(lines, parts...)
	lines = append(lines, b.lines[line+1:]...)
	b.lines = lines

	pos := p
	b.publish(Edit{Kind: EditInsert, Position: &pos, Text: text})
	return nil
}

func (b *Buffer) Delete(r Range) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(r.Start); err != nil {
		return err
	}
	if err := b.check(r.End); err != nil {
		return err
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: inverted range %s", ErrOutOfRange, r)
	}
	if r.IsEmpty() {
		return nil
	}
	sl, so := b.locate(r.Start)
	el, eo := b.locate(r.End)
	joined := b.lines[sl][:so] + b.lines[el][eo:]

	lines := make([]string, 0, len(b.lines)-(el-sl))
	lines = append(lines, b.lines[:sl]...)
	lines = append(lines, joined)
	lines = append(lines, b.lines[el+1:]...)
	b.lines = lines
	b.cursor = b.clamp(b.cursor)

	rr := r
	b.publish(Edit{Kind: EditDelete, Range: &rr})
	return nil
}

func (b *Buffer) SetPending(r Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rr := r
	b.pending = &rr
	b.publish(Edit{Kind: EditPending, Range: &rr})
}

func (b *Buffer) ClearPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.publish(Edit{Kind: EditClearPending})
}

// Subscribe returns a channel receiving every subsequent Edit and a function
// that ends the subscription. A subscriber that falls behind by more than an
// internal buffer has its channel closed and must resynchronize from Text.
func (b *Buffer) Subscribe() (<-chan Edit, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Edit, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// publish must be called with mu held.
func (b *Buffer) publish(e Edit) {
	b.seq++
	e.Seq = b.seq
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// check must be called with mu held.
func (b *Buffer) check(p Position) error {
	if p.Line < 0 || p.Line >= len(b.lines) || p.Column < 0 || p.Column > b.unit.Width(b.lines[p.Line]) {
		return fmt.Errorf("%w: %s", ErrOutOfRange, p)
	}
	return nil
}

// clamp must be called with mu held.
func (b *Buffer) clamp(p Position) Position {
	if p.Line < 0 {
		return Position{}
	}
	if p.Line >= len(b.lines) {
		last := len(b.lines) - 1
		return Position{Line: last, Column: b.unit.Width(b.lines[last])}
	}
	if w := b.unit.Width(b.lines[p.Line]); p.Column > w {
		p.Column = w
	}
	if p.Column < 0 {
		p.Column = 0
	}
	return p
}

// locate converts p to a line index and byte offset; mu must be held.
func (b *Buffer) locate(p Position) (int, int) {
	return p.Line, b.unit.Offset(b.lines[p.Line], p.Column)
}
