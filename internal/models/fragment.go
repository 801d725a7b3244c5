package models

// StreamFragment is one parsed unit of incremental assistant output. It is
// consumed by the reconciler as soon as it is decoded and never persisted.
//
// EOF is true when the wire payload omitted the field: the backend encodes
// single-shot replies without it, so an absent flag finalizes the message.
type StreamFragment struct {
	Text        string
	MsgID       *int
	Overwrite   bool
	EOF         bool
	Suggestions []string
}
