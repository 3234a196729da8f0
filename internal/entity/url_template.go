package entity

import (
	"errors"
	"strconv"
	"strings"
)

var ErrEmptyTemplate = errors.New("url template is empty")

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentZ
	segmentX
	segmentY
)

type segment struct {
	kind    segmentKind
	literal string
}

// URLTemplate is an upstream tile url with {z}, {x} and {y} slots.
// Placeholders are matched case-insensitively, everything else is kept verbatim.
type URLTemplate struct {
	raw      string
	segments []segment
}

func ParseURLTemplate(raw string) (URLTemplate, error) {
	if raw == "" {
		return URLTemplate{}, ErrEmptyTemplate
	}

	var segments []segment
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{kind: segmentLiteral, literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] == '{' && i+2 < len(raw) && raw[i+2] == '}' {
			if kind, ok := placeholderKind(raw[i+1]); ok {
				flush()
				segments = append(segments, segment{kind: kind})
				i += 2
				continue
			}
		}
		literal.WriteByte(raw[i])
	}
	flush()

	return URLTemplate{raw: raw, segments: segments}, nil
}

func placeholderKind(c byte) (segmentKind, bool) {
	switch c {
	case 'z', 'Z':
		return segmentZ, true
	case 'x', 'X':
		return segmentX, true
	case 'y', 'Y':
		return segmentY, true
	}
	return segmentLiteral, false
}

func (t URLTemplate) Resolve(z, x, y int) string {
	var b strings.Builder
	b.Grow(len(t.raw) + 16)

	for _, s := range t.segments {
		switch s.kind {
		case segmentZ:
			b.WriteString(strconv.Itoa(z))
		case segmentX:
			b.WriteString(strconv.Itoa(x))
		case segmentY:
			b.WriteString(strconv.Itoa(y))
		default:
			b.WriteString(s.literal)
		}
	}

	return b.String()
}

func (t URLTemplate) String() string {
	return t.raw
}
