package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

// MaxLineSize bounds a single line read by DecodeReader
const MaxLineSize = 1 << 20

const minFields = 3

var (
	ErrTooFewFields     = errors.New("too few fields")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrMalformedEscape  = errors.New("malformed escape sequence")
)

// DecodeError reports which line of a batch failed and why.
// Line is 1-based; it is 0 when the error came from DecodeLine.
type DecodeError struct {
	Line int
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reason returns a short label for the decode failure class of err
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTooFewFields):
		return "too_few_fields"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrMalformedEscape):
		return "malformed_escape"
	default:
		return "read_error"
	}
}

// Parser defines the interface for machine-readable line parsers
type Parser interface {
	// Parse decodes one raw line into a Record
	Parse(line string) (types.Record, error)

	// Name returns the parser name
	Name() string
}

// MachineReadableParser decodes `vagrant --machine-readable` output lines.
// It holds no state and is safe for concurrent use.
type MachineReadableParser struct{}

// New creates a machine-readable parser
func New() *MachineReadableParser {
	return &MachineReadableParser{}
}

// Parse decodes one raw line
func (p *MachineReadableParser) Parse(line string) (types.Record, error) {
	return DecodeLine(line)
}

// Name returns the parser name
func (p *MachineReadableParser) Name() string {
	return "machine-readable"
}

// DecodeLine decodes one line of the form timestamp,target,type[,data...].
// The line must not carry its newline terminator.
func DecodeLine(line string) (types.Record, error) {
	fields, err := splitFields(line)
	if err != nil {
		return types.Record{}, &DecodeError{Raw: line, Err: err}
	}

	if len(fields) < minFields {
		return types.Record{}, &DecodeError{
			Raw: line,
			Err: fmt.Errorf("%w: got %d, need at least %d", ErrTooFewFields, len(fields), minFields),
		}
	}

	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return types.Record{}, &DecodeError{Raw: line, Err: err}
	}

	data := make([]string, len(fields)-minFields)
	copy(data, fields[minFields:])

	return types.Record{
		Timestamp: ts,
		Target:    fields[1],
		Type:      types.Classify(fields[2]),
		Data:      data,
	}, nil
}

// DecodeAll decodes lines in order. The first malformed line aborts the
// batch: the returned slice is nil and the error is a *DecodeError.
func DecodeAll(lines []string) ([]types.Record, error) {
	records := make([]types.Record, 0, len(lines))
	for i, line := range lines {
		rec, err := DecodeLine(line)
		if err != nil {
			return nil, atLine(err, i+1)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeReader decodes a newline-delimited stream with the same fail-fast
// policy as DecodeAll. A trailing carriage return on each line is dropped.
func DecodeReader(r io.Reader) ([]types.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	records := make([]types.Record, 0)
	n := 0
	for scanner.Scan() {
		n++
		rec, err := DecodeLine(strings.TrimSuffix(scanner.Text(), "\r"))
		if err != nil {
			if rerr := scanner.Err(); rerr != nil {
				return nil, fmt.Errorf("failed to read line %d: %w", n, rerr)
			}
			return nil, atLine(err, n)
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line %d: %w", n+1, err)
	}

	return records, nil
}

func atLine(err error, line int) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return &DecodeError{Line: line, Raw: de.Raw, Err: de.Err}
	}
	return err
}

func parseTimestamp(field string) (int64, error) {
	ts, err := strconv.ParseUint(field, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, field)
	}
	return int64(ts), nil
}
