package operator

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

// RunStdinConsole puts os.Stdin into raw mode and serves the operator
// protocol over stdin/stdout, exactly as a real RS-232 operator terminal
// would be wired up (spec §6.3). golang.org/x/term places stdin into raw
// mode so it can be read a byte at a time without local echo interference.
func RunStdinConsole(s *Server) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		// Not an interactive terminal (e.g. piped input in a test or CI
		// harness): fall back to line mode directly on stdin/stdout.
		return s.Serve(stdioReadWriter{})
	}
	defer term.Restore(fd, oldState)
	return s.Serve(rawConsole{})
}

type stdioReadWriter struct{}

func (stdioReadWriter) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioReadWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// rawConsole wraps stdin/stdout for raw-mode use: a raw terminal delivers a
// carriage return (not a newline) when the operator presses Enter, so reads
// translate '\r' to '\n' before bufio.Scanner's line splitting sees them.
type rawConsole struct{}

func (rawConsole) Read(p []byte) (int, error) {
	n, err := os.Stdin.Read(p)
	if n > 0 {
		p = p[:n]
		for i, b := range p {
			if b == '\r' {
				p[i] = '\n'
			}
		}
	}
	return n, err
}

func (rawConsole) Write(p []byte) (int, error) {
	return os.Stdout.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n")))
}

var _ io.ReadWriter = rawConsole{}
