package document

import "errors"

// ErrOutOfRange is returned when a position or range lies outside the document.
var ErrOutOfRange = errors.New("position out of range")

// Editor is the collaborator surface the completion core drives. Implementations
// wrap a live editor buffer; Buffer is the in-memory one.
//
// Methods are called from a single goroutine at a time by the inserter;
// implementations that are also read elsewhere must synchronize internally.
type Editor interface {
	// Unit reports how the editor counts columns.
	Unit() Unit
	// Cursor returns the current cursor position.
	Cursor() Position
	// SetCursor moves the cursor, collapsing any selection.
	SetCursor(Position)
	// TextBefore returns all text from the start of the document to pos.
	TextBefore(pos Position) string
	// TextAfter returns all text from pos to the end of the document.
	TextAfter(pos Position) string
	// Insert inserts text at pos.
	Insert(pos Position, text string) error
	// Delete removes the text covered by r.
	Delete(r Range) error
	// SetPending marks r with the pending-suggestion decoration, replacing
	// any previous marking.
	SetPending(r Range)
	// ClearPending removes the pending-suggestion decoration.
	ClearPending()
}
