package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType names an edit variant on the wire.
type ChangeType string

const (
	ChangeInsert  ChangeType = "INSERT"
	ChangeDelete  ChangeType = "DELETE"
	ChangeReplace ChangeType = "REPLACE"
)

// Edit is one of Insert, Delete or Replace. Positions and lengths count
// Unicode code points of the content the edit is applied to.
type Edit interface {
	Type() ChangeType
	apply(buf []rune) ([]rune, error)
}

// Insert splices Text at Position.
type Insert struct {
	Position int
	Text     string
}

// Delete removes Length code points starting at Position.
type Delete struct {
	Position int
	Length   int
}

// Replace removes Length code points at Position and splices Text in their place.
type Replace struct {
	Position int
	Length   int
	Text     string
}

func (Insert) Type() ChangeType  { return ChangeInsert }
func (Delete) Type() ChangeType  { return ChangeDelete }
func (Replace) Type() ChangeType { return ChangeReplace }

func (e Insert) apply(buf []rune) ([]rune, error) {
	if e.Position < 0 || e.Position > len(buf) {
		return nil, fmt.Errorf("%w: position %d outside [0,%d]", ErrInvalidChange, e.Position, len(buf))
	}
	return splice(buf, e.Position, 0, []rune(e.Text)), nil
}

func (e Delete) apply(buf []rune) ([]rune, error) {
	if e.Length < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidChange)
	}
	if err := checkSpan(len(buf), e.Position, e.Length); err != nil {
		return nil, err
	}
	return splice(buf, e.Position, e.Length, nil), nil
}

func (e Replace) apply(buf []rune) ([]rune, error) {
	if e.Length < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidChange)
	}
	if err := checkSpan(len(buf), e.Position, e.Length); err != nil {
		return nil, err
	}
	return splice(buf, e.Position, e.Length, []rune(e.Text)), nil
}

func checkSpan(size, pos, length int) error {
	if pos < 0 || pos > size {
		return fmt.Errorf("%w: position %d outside [0,%d]", ErrInvalidChange, pos, size)
	}
	if length > size-pos {
		return fmt.Errorf("%w: length %d exceeds remaining %d", ErrInvalidChange, length, size-pos)
	}
	return nil
}

// splice never writes into buf; earlier snapshots stay intact.
func splice(buf []rune, pos, cut int, ins []rune) []rune {
	out := make([]rune, 0, len(buf)-cut+len(ins))
	out = append(out, buf[:pos]...)
	out = append(out, ins...)
	return append(out, buf[pos+cut:]...)
}

// Apply validates e against content and returns the edited content.
func Apply(content string, e Edit) (string, error) {
	if e == nil {
		return "", fmt.Errorf("%w: nil edit", ErrInvalidChange)
	}
	out, err := e.apply([]rune(content))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ApplyBatch applies edits in order, each against the content produced by the
// previous one. Edits that fail validation are skipped. It returns the final
// content and the edits that were applied, in order.
func ApplyBatch(content string, edits []Edit) (string, []Edit) {
	buf := []rune(content)
	applied := make([]Edit, 0, len(edits))
	for _, e := range edits {
		if e == nil {
			continue
		}
		next, err := e.apply(buf)
		if err != nil {
			continue
		}
		buf = next
		applied = append(applied, e)
	}
	return string(buf), applied
}

// ChangeInput is the flat wire form of an edit as submitted by clients.
type ChangeInput struct {
	Type     ChangeType `json:"type"`
	Position int        `json:"position"`
	Length   int        `json:"length,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// Edit converts the wire form to its variant. Fields that do not belong to
// the variant are ignored.
func (in ChangeInput) Edit() (Edit, error) {
	switch in.Type {
	case ChangeInsert:
		return Insert{Position: in.Position, Text: in.Text}, nil
	case ChangeDelete:
		return Delete{Position: in.Position, Length: in.Length}, nil
	case ChangeReplace:
		return Replace{Position: in.Position, Length: in.Length, Text: in.Text}, nil
	default:
		return nil, fmt.Errorf("%w: unknown change type %q", ErrInvalidInput, in.Type)
	}
}

// InputOf flattens an edit back to its wire form.
func InputOf(e Edit) ChangeInput {
	switch v := e.(type) {
	case Insert:
		return ChangeInput{Type: ChangeInsert, Position: v.Position, Text: v.Text}
	case Delete:
		return ChangeInput{Type: ChangeDelete, Position: v.Position, Length: v.Length}
	case Replace:
		return ChangeInput{Type: ChangeReplace, Position: v.Position, Length: v.Length, Text: v.Text}
	}
	return ChangeInput{}
}

// Change is an applied edit as recorded in a document's change log.
// Version is the document version produced by the batch the change belongs to.
type Change struct {
	ID        string
	Edit      Edit
	AppliedBy string
	AppliedAt time.Time
	Version   int64
}

type changeJSON struct {
	ID string `json:"id"`
	ChangeInput
	AppliedBy string    `json:"applied_by"`
	AppliedAt time.Time `json:"applied_at"`
	Version   int64     `json:"version"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeJSON{
		ID:          c.ID,
		ChangeInput: InputOf(c.Edit),
		AppliedBy:   c.AppliedBy,
		AppliedAt:   c.AppliedAt,
		Version:     c.Version,
	})
}

func (c *Change) UnmarshalJSON(data []byte) error {
	var raw changeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e, err := raw.ChangeInput.Edit()
	if err != nil {
		return err
	}
	*c = Change{
		ID:        raw.ID,
		Edit:      e,
		AppliedBy: raw.AppliedBy,
		AppliedAt: raw.AppliedAt,
		Version:   raw.Version,
	}
	return nil
}
