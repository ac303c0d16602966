package channel

// Fragment is one piece of a formatted text line: plain text plus optional
// color/bold styling. A Text channel's items are slices of Fragment so a
// single line can mix a plain body with, for instance, a red error prefix.
type Fragment struct {
	Text  string
	Color string // "", "red", "green", ... — empty means default color.
	Bold  bool
}

// Line renders fragments into a single unstyled string, for callers (tests,
// logs) that don't care about color.
func Line(frags []Fragment) string {
	s := ""
	for _, f := range frags {
		s += f.Text
	}
	return s
}

// Text is a channel specialization carrying formatted-text lines.
type Text struct {
	*Base
}

// NewText constructs a text channel in the initial BLOCKED state.
func NewText(name string, sender Sender) *Text {
	return &Text{Base: NewBase(name, "text", "", sender)}
}

// SendLine is a convenience wrapper sending a single plain fragment.
func (t *Text) SendLine(s string) error {
	return t.Send([]Fragment{{Text: s}})
}

// SendError sends a single red fragment, matching the agent's "emit red
// error" convention.
func (t *Text) SendError(s string) error {
	return t.Send([]Fragment{{Text: s, Color: "red"}})
}
