package transport

// Token correlates a submitted request with the parked fiber awaiting it.
// It packs a dense slot index with a generation counter so a stale
// completion arriving after the slot was recycled is detected and
// discarded instead of waking the wrong fiber.
type Token uint64

const (
	tokenIndexBits = 40
	tokenGenBits   = 64 - tokenIndexBits

	TokenIndexMax = 1<<tokenIndexBits - 1
	TokenGenMax   = 1<<tokenGenBits - 1
)

// TokenZero is reserved for transport-internal completions and never
// correlates with a fiber.
const TokenZero Token = 0

func PackToken(index uint64, gen uint32) Token {
	return Token(index&TokenIndexMax | uint64(gen&TokenGenMax)<<tokenIndexBits)
}

func (t Token) Index() uint64 {
	return uint64(t) & TokenIndexMax
}

func (t Token) Gen() uint32 {
	return uint32(uint64(t) >> tokenIndexBits)
}
