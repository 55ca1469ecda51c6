// Package tarstream implements a restartable, streaming parser for the
// POSIX ustar subset produced by a PostgreSQL base backup: regular files,
// directories, and symlinks to directories.
//
// Unlike the standard library's archive/tar, which is built around
// io.Reader pull semantics over a seekable or at-least-sequential stream,
// this parser is a push-style io.Writer: it must accept arbitrary-sized
// byte chunks arriving from a COPY OUT stream, including chunks that split
// a 512-byte header across two writes, and it must never block waiting for
// more input. That shape does not fit archive/tar's Reader contract, which
// is why the header/body/padding state machine is hand-written here.
package tarstream

import (
	"strconv"
	"strings"
	"time"

	"github.com/vbp1/replstream/internal/xerrors"
)

const blockSize = 512

type state int

const (
	stateAwaitHeader state = iota
	stateBody
	statePadding
	stateDone
)

// Parser drives Handler from a sequence of Write calls. Internal
// buffering of up to one 512-byte block is used so a header spanning
// chunk boundaries parses correctly.
type Parser struct {
	h Handler

	state state

	hdrBuf [blockSize]byte
	hdrLen int

	remaining  int64
	padding    int64
	zeroBlocks int
}

// NewParser returns a Parser that emits events to h.
func NewParser(h Handler) *Parser {
	return &Parser{h: h}
}

// Done reports whether the two-all-zero-block archive trailer has been
// seen.
func (p *Parser) Done() bool { return p.state == stateDone }

// Write feeds chunk bytes into the parser. It implements io.Writer.
func (p *Parser) Write(chunk []byte) (int, error) {
	total := len(chunk)
	for len(chunk) > 0 {
		switch p.state {
		case stateDone:
			// Trailing bytes after the archive terminator are not part
			// of the tar format proper; ignore them rather than error,
			// since a sender may pad the COPY stream.
			return total, nil

		case stateAwaitHeader:
			n := copy(p.hdrBuf[p.hdrLen:], chunk)
			p.hdrLen += n
			chunk = chunk[n:]
			if p.hdrLen < blockSize {
				continue
			}
			if err := p.consumeHeaderBlock(); err != nil {
				return total - len(chunk), err
			}
			p.hdrLen = 0

		case stateBody:
			n := int64(len(chunk))
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.h.Body(chunk[:n]); err != nil {
				return total - len(chunk), err
			}
			p.remaining -= n
			chunk = chunk[n:]
			if p.remaining == 0 {
				if p.padding > 0 {
					p.state = statePadding
				} else if err := p.finishEntry(); err != nil {
					return total - len(chunk), err
				}
			}

		case statePadding:
			n := int64(len(chunk))
			if n > p.padding {
				n = p.padding
			}
			p.padding -= n
			chunk = chunk[n:]
			if p.padding == 0 {
				if err := p.finishEntry(); err != nil {
					return total - len(chunk), err
				}
			}
		}
	}
	return total, nil
}

func (p *Parser) finishEntry() error {
	if err := p.h.EndOfEntry(); err != nil {
		return err
	}
	p.state = stateAwaitHeader
	return nil
}

func (p *Parser) consumeHeaderBlock() error {
	block := p.hdrBuf[:]

	if isAllZero(block) {
		p.zeroBlocks++
		if p.zeroBlocks >= 2 {
			p.state = stateDone
		}
		return nil
	}
	p.zeroBlocks = 0

	name := cstring(block[0:100])
	mode, err := parseOctalField(block[100:108])
	if err != nil {
		return xerrors.NewProtocol("tar header %q: bad mode field: %v", name, err)
	}
	size, err := parseOctalField(block[124:136])
	if err != nil {
		return xerrors.NewProtocol("tar header %q: bad size field: %v", name, err)
	}
	mtimeSecs, err := parseOctalField(block[136:148])
	if err != nil {
		return xerrors.NewProtocol("tar header %q: bad mtime field: %v", name, err)
	}
	typeflag := block[156]
	linkname := cstring(block[157:257])

	var kind Kind
	switch typeflag {
	case '0', 0:
		kind = KindRegular
	case '5':
		kind = KindDirectory
		size = 0
	case '2':
		if linkname == "" {
			return xerrors.NewProtocol("tar header %q: symlink with empty linkname", name)
		}
		if !strings.HasSuffix(name, "/") {
			return xerrors.NewProtocol("tar header %q: only symlinks to directories are supported", name)
		}
		kind = KindSymlinkDir
		size = 0
	default:
		return xerrors.NewProtocol("tar header %q: unsupported typeflag %q", name, string(typeflag))
	}

	entry := Entry{
		Name:       name,
		Mode:       mode,
		Size:       size,
		ModTime:    time.Unix(mtimeSecs, 0),
		Kind:       kind,
		LinkTarget: linkname,
	}

	if err := p.h.Header(entry); err != nil {
		return err
	}

	if kind == KindRegular && size > 0 {
		p.remaining = size
		p.padding = paddingFor(size)
		p.state = stateBody
		return nil
	}
	return p.finishEntry()
}

// paddingFor returns the number of NUL bytes following a body of length
// size so the next header starts on a 512-byte boundary.
func paddingFor(size int64) int64 {
	rem := size % blockSize
	if rem == 0 {
		return 0
	}
	return blockSize - rem
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// cstring returns the string up to the first NUL byte in b (or all of b
// if there is none).
func cstring(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// parseOctalField parses a NUL/space-padded octal numeric tar field.
func parseOctalField(b []byte) (int64, error) {
	s := cstring(b)
	s = strings.Trim(s, " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}
