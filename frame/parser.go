package frame

// Parser recovers frame boundaries from an arbitrarily chunked byte stream.
// It is not safe for concurrent use; the bus reader owns one.
type Parser struct {
	header  byte
	length  func(Command) (int, bool)
	buf     []byte
	dropped int

	// Strict drops frames whose checksum does not verify unless Lenient
	// reports their address. Otherwise every such frame is surfaced as
	// Suspect.
	Strict bool
	// Lenient reports known-flaky addresses. Their bad-checksum frames are
	// surfaced as Suspect in either mode.
	Lenient func(addr byte) bool
}

// NewResponseParser parses controller replies (0xFB frames).
func NewResponseParser() *Parser {
	return &Parser{header: RxHeader, length: ResponseLength}
}

// NewRequestParser parses host requests (0xFA frames); the simulator uses it.
func NewRequestParser() *Parser {
	return &Parser{header: TxHeader, length: RequestLength, Strict: true}
}

// Dropped returns the number of bytes discarded while resynchronising.
func (p *Parser) Dropped() int {
	return p.dropped
}

// Buffered returns the number of bytes waiting for more input.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

func (p *Parser) drop(n int) {
	p.dropped += n
	p.buf = p.buf[n:]
}

func (p *Parser) lenient(addr byte) bool {
	if p.Lenient != nil && p.Lenient(addr) {
		return true
	}
	return !p.Strict
}

// Feed appends b to the internal buffer and returns every complete frame
// that can be extracted.
func (p *Parser) Feed(b []byte) []Frame {
	p.buf = append(p.buf, b...)
	var ret []Frame
	for len(p.buf) >= overhead {
		if p.buf[0] != p.header {
			i := 1
			for i < len(p.buf) && p.buf[i] != p.header {
				i++
			}
			p.drop(i)
			continue
		}
		n, ok := p.length(Command(p.buf[2]))
		if !ok {
			p.drop(1)
			continue
		}
		if len(p.buf) < n {
			break
		}
		raw := p.buf[:n]
		f, err := decode(p.header, raw)
		if err != nil {
			if err != ErrChecksum || !p.lenient(raw[1]) {
				p.drop(1)
				continue
			}
			payload := make([]byte, n-overhead)
			copy(payload, raw[3:n-1])
			f = Frame{Addr: raw[1], Cmd: Command(raw[2]), Payload: payload, Suspect: true}
		}
		ret = append(ret, f)
		p.buf = p.buf[n:]
	}
	p.compact()
	return ret
}

// compact keeps the backing array from growing without bound on long
// sessions.
func (p *Parser) compact() {
	if cap(p.buf) > 4096 && len(p.buf) < 256 {
		nb := make([]byte, len(p.buf), 256)
		copy(nb, p.buf)
		p.buf = nb
	}
}
