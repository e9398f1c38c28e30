package transfer

// Channel is one ordered, reliable message channel between two peers. Binary
// messages carry file chunks; text messages carry the metadata and end marker
// control units. BufferedAmount reports the channel's outstanding unsent
// bytes, which drives the sender's back-pressure decision.
type Channel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	Close() error
}
