package channel

// Data is a channel specialization carrying an opaque structured payload —
// the "enhanced client" data channel alongside a session's text channel.
type Data struct {
	*Base
}

// NewData constructs a structured-data channel, in the initial BLOCKED state.
// subtype distinguishes payload shapes sharing this channel kind (e.g.
// "location-update", "inventory-delta").
func NewData(name, subtype string, sender Sender) *Data {
	return &Data{Base: NewBase(name, "structured-client-data", subtype, sender)}
}

// SendValue sends an arbitrary structured payload.
func (d *Data) SendValue(v any) error {
	return d.Send(v)
}
