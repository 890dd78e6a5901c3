package upload

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"lanshare/internal/fsutil"
)

const (
	DefaultChunkSize     = 1 << 20
	DefaultMaxHeaderLine = 8 << 10

	maxBoundaryLen   = 70
	maxHeaderLines   = 32
	maxSkippedParts  = 16
	maxPreambleLines = 8
)

// Sink receives the uploaded file. Create is called once, with the reduced
// filename, before any content is written.
type Sink interface {
	Create(filename string) (io.Writer, error)
}

type Result struct {
	Filename string
	Written  int64
}

// Parser streams the single "file" field of a multipart/form-data body into a
// Sink without holding more than one chunk of the body in memory.
type Parser struct {
	// ChunkSize bounds every read from the body.
	ChunkSize int
	// MaxHeaderLine bounds a single part header line.
	MaxHeaderLine int
	// MaxFileSize bounds the file content; zero means unlimited.
	MaxFileSize int64
}

// Parse consumes exactly contentLength bytes of r.
func (p Parser) Parse(r io.Reader, contentLength int64, boundary string, sink Sink) (Result, error) {
	if contentLength <= 0 {
		return Result{}, fmt.Errorf("%w: missing Content-Length", ErrValidation)
	}
	if err := ValidateBoundary(boundary); err != nil {
		return Result{}, err
	}

	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	maxLine := p.MaxHeaderLine
	if maxLine <= 0 {
		maxLine = DefaultMaxHeaderLine
	}
	marker := []byte("--" + boundary)
	size := max(chunk, maxLine+2, 2*(len(marker)+2))

	s := &partScanner{
		br:      bufio.NewReaderSize(&boundedReader{r: r, remaining: contentLength}, size),
		marker:  marker,
		maxLine: maxLine,
		maxFile: -1,
	}
	if p.MaxFileSize > 0 {
		s.maxFile = p.MaxFileSize
	}

	res, err := s.run(sink)
	if errors.Is(err, ErrTooLarge) {
		// keep the connection usable for the error response
		_, _ = io.Copy(io.Discard, s.br)
	}
	return res, err
}

// ValidateBoundary checks a multipart boundary token: non-empty, printable
// ASCII, at most 70 bytes.
func ValidateBoundary(boundary string) error {
	if boundary == "" {
		return fmt.Errorf("%w: missing multipart boundary", ErrValidation)
	}
	if len(boundary) > maxBoundaryLen {
		return fmt.Errorf("%w: multipart boundary too long", ErrValidation)
	}
	for i := 0; i < len(boundary); i++ {
		if c := boundary[i]; c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: multipart boundary must be printable ASCII", ErrValidation)
		}
	}
	return nil
}

type partScanner struct {
	br      *bufio.Reader
	marker  []byte
	maxLine int
	maxFile int64
}

type partHeader struct {
	name     string
	filename string
}

func (s *partScanner) run(sink Sink) (Result, error) {
	if err := s.open(); err != nil {
		return Result{}, err
	}
	for skipped := 0; ; skipped++ {
		h, err := s.readHeaders()
		if err != nil {
			return Result{}, err
		}
		if h.name == "file" {
			return s.readFile(h, sink)
		}
		if skipped >= maxSkippedParts {
			return Result{}, fmt.Errorf("%w: too many form fields", ErrValidation)
		}
		if _, err := s.copyUntilMarker(io.Discard, -1); err != nil {
			return Result{}, err
		}
		closing, err := s.afterMarker()
		if err != nil {
			return Result{}, err
		}
		if closing {
			return Result{}, fmt.Errorf("%w: missing file field", ErrValidation)
		}
	}
}

func (s *partScanner) open() error {
	for i := 0; ; i++ {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 && i < maxPreambleLines {
			continue
		}
		if !bytes.Equal(bytes.TrimRight(line, " \t"), s.marker) {
			return fmt.Errorf("%w: missing opening boundary", ErrValidation)
		}
		return nil
	}
}

func (s *partScanner) readHeaders() (partHeader, error) {
	var disposition string
	for n := 0; ; n++ {
		if n > maxHeaderLines {
			return partHeader{}, fmt.Errorf("%w: too many part headers", ErrHeaderTooLong)
		}
		line, err := s.readLine()
		if err != nil {
			return partHeader{}, err
		}
		if len(line) == 0 {
			break
		}
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			return partHeader{}, fmt.Errorf("%w: malformed part header", ErrValidation)
		}
		if strings.EqualFold(string(bytes.TrimSpace(k)), "Content-Disposition") {
			disposition = string(bytes.TrimSpace(v))
		}
	}
	if disposition == "" {
		return partHeader{}, fmt.Errorf("%w: missing Content-Disposition", ErrValidation)
	}
	kind, params, err := mime.ParseMediaType(disposition)
	if err != nil || kind != "form-data" {
		return partHeader{}, fmt.Errorf("%w: Content-Disposition must be form-data", ErrValidation)
	}
	return partHeader{name: params["name"], filename: params["filename"]}, nil
}

func (s *partScanner) readFile(h partHeader, sink Sink) (Result, error) {
	if h.filename == "" {
		return Result{}, fmt.Errorf("%w: empty filename", ErrValidation)
	}
	name, err := fsutil.BaseName(h.filename)
	if err != nil {
		return Result{}, err
	}
	w, err := sink.Create(name)
	if err != nil {
		return Result{Filename: name}, err
	}

	n, err := s.copyUntilMarker(w, s.maxFile)
	res := Result{Filename: name, Written: n}
	if err != nil {
		return res, err
	}
	closing, err := s.afterMarker()
	if err != nil {
		return res, err
	}
	if !closing {
		return res, fmt.Errorf("%w: unexpected part after file", ErrMalformedTrailer)
	}
	return res, s.checkTrailer()
}

// copyUntilMarker streams part content to w until the boundary marker and
// consumes the marker. A CRLF or bare LF right before the marker belongs to the
// delimiter. The last len(marker)+1 bytes of the window are held back because
// they may be the start of "\r\n" + marker.
func (s *partScanner) copyUntilMarker(w io.Writer, limit int64) (int64, error) {
	hold := len(s.marker) + 1
	var written int64
	flush := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		if limit >= 0 && written+int64(len(b)) > limit {
			return ErrTooLarge
		}
		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return nil
	}

	for {
		window, _ := s.br.Peek(s.br.Buffered())
		if i := bytes.Index(window, s.marker); i >= 0 {
			end := i
			switch {
			case end >= 2 && window[end-2] == '\r' && window[end-1] == '\n':
				end -= 2
			case end >= 1 && window[end-1] == '\n':
				end--
			}
			if err := flush(window[:end]); err != nil {
				return written, err
			}
			_, _ = s.br.Discard(i + len(s.marker))
			return written, nil
		}
		if n := len(window) - hold; n > 0 {
			if err := flush(window[:n]); err != nil {
				return written, err
			}
			_, _ = s.br.Discard(n)
			continue
		}
		if _, err := s.br.Peek(len(window) + 1); err != nil {
			return written, eofAsTruncated(err, "closing boundary not found")
		}
	}
}

// afterMarker inspects the bytes following a boundary marker. It reports
// whether the marker closed the body; otherwise it consumes the rest of the
// delimiter line.
func (s *partScanner) afterMarker() (bool, error) {
	b, err := s.br.Peek(2)
	if len(b) < 2 {
		return false, eofAsTruncated(err, "body ends after boundary")
	}
	if b[0] == '-' && b[1] == '-' {
		_, _ = s.br.Discard(2)
		return true, nil
	}
	line, err := s.readLine()
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(line)) != 0 {
		return false, fmt.Errorf("%w: garbage after boundary", ErrMalformedTrailer)
	}
	return false, nil
}

// checkTrailer consumes the rest of the declared body, which may only hold
// whitespace.
func (s *partScanner) checkTrailer() error {
	buf := make([]byte, 512)
	for {
		n, err := s.br.Read(buf)
		for _, c := range buf[:n] {
			switch c {
			case ' ', '\t', '\r', '\n':
			default:
				return fmt.Errorf("%w: data after closing boundary", ErrMalformedTrailer)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *partScanner) readLine() ([]byte, error) {
	line, err := s.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > s.maxLine {
		return nil, ErrHeaderTooLong
	}
	if err != nil {
		return nil, eofAsTruncated(err, "body ends inside part headers")
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

func eofAsTruncated(err error, msg string) error {
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s", ErrTruncated, msg)
	}
	return err
}

// boundedReader yields exactly remaining bytes of r. Running dry early, or any
// read error from the peer, is a truncated stream.
type boundedReader struct {
	r         io.Reader
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if b.remaining > 0 {
			err = fmt.Errorf("%w: %d bytes missing", ErrTruncated, b.remaining)
		} else {
			err = io.EOF
		}
	default:
		err = fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return n, err
}
