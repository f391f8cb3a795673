package types

// Kind identifies the family a session belongs to.
type Kind string

const (
	KindChart  Kind = "chart"
	KindQuote  Kind = "quote"
	KindStudy  Kind = "study"
	KindReplay Kind = "replay"
)

// Prefix returns the short id prefix used on the wire for the kind.
func (k Kind) Prefix() string {
	switch k {
	case KindChart:
		return "cs"
	case KindQuote:
		return "qs"
	case KindStudy:
		return "st"
	case KindReplay:
		return "rs"
	default:
		return "xs"
	}
}
