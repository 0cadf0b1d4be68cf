package mustache

import (
	"fmt"
	"strings"
)

type parser struct {
	src string
	pos int
}

// parseNodes parses until EOF or, when inside is non-empty, until it hits
// the matching "{{/inside}}" closing tag (which it consumes). inside is the
// section name we're nested under, used only for the unbalanced-tag error
// message and to recognize our own closing tag.
func (p *parser) parseNodes(inside string) ([]node, error) {
	var nodes []node
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			nodes = append(nodes, textNode{text: text.String()})
			text.Reset()
		}
	}

	for p.pos < len(p.src) {
		open := strings.Index(p.src[p.pos:], "{{")
		if open < 0 {
			text.WriteString(p.src[p.pos:])
			p.pos = len(p.src)
			break
		}
		text.WriteString(p.src[p.pos : p.pos+open])
		p.pos += open

		triple := strings.HasPrefix(p.src[p.pos:], "{{{")
		tagStart := p.pos + 2
		if triple {
			tagStart = p.pos + 3
		}

		closer := "}}"
		if triple {
			closer = "}}}"
		}
		closeIdx := strings.Index(p.src[tagStart:], closer)
		if closeIdx < 0 {
			return nil, fmt.Errorf("mustache: unterminated tag starting at position %d", p.pos)
		}
		rawTag := p.src[tagStart : tagStart+closeIdx]
		p.pos = tagStart + closeIdx + len(closer)

		tag := strings.TrimSpace(rawTag)
		if tag == "" {
			return nil, fmt.Errorf("mustache: empty tag at position %d", p.pos)
		}

		switch {
		case triple:
			flush()
			nodes = append(nodes, varNode{path: tag, escape: true})

		case strings.HasPrefix(tag, "#"):
			flush()
			name := strings.TrimSpace(tag[1:])
			children, err := p.parseNodes(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, sectionNode{path: name, negate: false, children: children})

		case strings.HasPrefix(tag, "^"):
			flush()
			name := strings.TrimSpace(tag[1:])
			children, err := p.parseNodes(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, sectionNode{path: name, negate: true, children: children})

		case strings.HasPrefix(tag, "/"):
			name := strings.TrimSpace(tag[1:])
			if inside == "" {
				return nil, fmt.Errorf("mustache: unmatched closing tag %q", name)
			}
			if name != inside {
				return nil, fmt.Errorf("mustache: mismatched closing tag: expected %q, got %q", inside, name)
			}
			flush()
			return nodes, nil

		default:
			flush()
			nodes = append(nodes, varNode{path: tag, escape: false})
		}
	}

	flush()
	if inside != "" {
		return nil, fmt.Errorf("mustache: unbalanced section tag %q: missing {{/%s}}", inside, inside)
	}
	return nodes, nil
}
