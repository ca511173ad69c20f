package nameserver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// maxPidSpan bounds a single range token.
const maxPidSpan = 1 << 16

// ParsePidSet parses a partition id specification into an ascending list of
// distinct ids. Accepted forms are a single id ("4"), an inclusive range
// ("4-6") and comma separated lists of either ("1,4-6").
//
// Errors:
//   - empty specification: ErrBadFormat
//   - a token that is not an id or range: ErrFormat
//   - a range with lo > hi: ErrNoValidPID
func ParsePidSet(spec string) ([]uint32, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrBadFormat
	}

	var out []uint32
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		lo, hi, isRange := strings.Cut(tok, "-")
		if !isRange {
			hi = lo
		}
		l, err := parsePID(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrFormat, tok)
		}
		h, err := parsePID(hi)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrFormat, tok)
		}
		if l > h {
			return nil, fmt.Errorf("pid group %s %w", tok, ErrNoValidPID)
		}
		if h-l >= maxPidSpan {
			return nil, fmt.Errorf("%w: %q spans more than %d pids", ErrFormat, tok, maxPidSpan)
		}
		for pid := uint64(l); pid <= uint64(h); pid++ {
			out = append(out, uint32(pid))
		}
	}

	slices.Sort(out)
	return slices.Compact(out), nil
}

func parsePID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
