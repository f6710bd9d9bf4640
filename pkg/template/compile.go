package template

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokVariable
	tokIfStart
	tokEachStart
	tokIfEnd
	tokEachEnd
)

type token struct {
	kind    tokenKind
	literal string // tokLiteral
	expr    string // trimmed tag body: path|filters for tokVariable, condition/path for blocks
	raw     string // untrimmed tag body, for tokVariable's unresolved-literal fallback
}

// tokenize splits src into literal runs and {{...}} tags. It rejects an
// unterminated "{{" and an empty tag "{{}}"; a lone "{" or "}" outside
// {{...}} syntax is left untouched as ordinary literal text.
func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		start := strings.Index(src[i:], "{{")
		if start == -1 {
			tokens = append(tokens, token{kind: tokLiteral, literal: src[i:]})
			break
		}
		start += i
		if start > i {
			tokens = append(tokens, token{kind: tokLiteral, literal: src[i:start]})
		}

		end := strings.Index(src[start:], "}}")
		if end == -1 {
			return nil, fmt.Errorf("template: unclosed \"{{\" at byte %d", start)
		}
		end += start

		innerRaw := src[start+2 : end]
		trimmed := strings.TrimSpace(innerRaw)
		if trimmed == "" {
			return nil, fmt.Errorf("template: empty tag \"{{}}\" at byte %d", start)
		}

		tok, err := classifyTag(trimmed, innerRaw)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		i = end + 2
	}
	return tokens, nil
}

func classifyTag(trimmed, raw string) (token, error) {
	switch {
	case strings.HasPrefix(trimmed, "#if "):
		cond := strings.TrimSpace(trimmed[len("#if "):])
		if cond == "" {
			return token{}, fmt.Errorf("template: {{#if}} requires a condition")
		}
		return token{kind: tokIfStart, expr: cond}, nil
	case trimmed == "/if":
		return token{kind: tokIfEnd}, nil
	case strings.HasPrefix(trimmed, "#each "):
		path := strings.TrimSpace(trimmed[len("#each "):])
		if path == "" {
			return token{}, fmt.Errorf("template: {{#each}} requires a path")
		}
		return token{kind: tokEachStart, expr: path}, nil
	case trimmed == "/each":
		return token{kind: tokEachEnd}, nil
	default:
		return token{kind: tokVariable, expr: trimmed, raw: raw}, nil
	}
}

// Compile parses src into an ordered segment list: literal runs, variable
// references with their filter chains, and {{#if}}/{{#each}} blocks with
// their own compiled inner sequence. Braces must balance and every opened
// block must be closed, or Compile returns an error.
func Compile(src string) ([]segment, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	segs, rest, err := parseSegments(tokens)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("template: unmatched closing tag")
	}
	return segs, nil
}

// parseSegments consumes tokens until it runs out or hits a block-closing
// token it does not own, returning the segments built so far and whatever
// tokens remain (so the caller, if it opened the block, can check the next
// token is its matching close).
func parseSegments(tokens []token) ([]segment, []token, error) {
	var segs []segment
	for len(tokens) > 0 {
		tok := tokens[0]
		switch tok.kind {
		case tokLiteral:
			segs = append(segs, literalSegment(tok.literal))
			tokens = tokens[1:]
		case tokVariable:
			path, filters := parseVariableExpr(tok.expr)
			segs = append(segs, variableSegment{Path: path, Filters: filters, Raw: tok.raw})
			tokens = tokens[1:]
		case tokIfStart:
			body, remaining, err := parseSegments(tokens[1:])
			if err != nil {
				return nil, nil, err
			}
			if len(remaining) == 0 || remaining[0].kind != tokIfEnd {
				return nil, nil, fmt.Errorf("template: unclosed {{#if %s}}", tok.expr)
			}
			segs = append(segs, ifSegment{Condition: tok.expr, Body: body})
			tokens = remaining[1:]
		case tokEachStart:
			body, remaining, err := parseSegments(tokens[1:])
			if err != nil {
				return nil, nil, err
			}
			if len(remaining) == 0 || remaining[0].kind != tokEachEnd {
				return nil, nil, fmt.Errorf("template: unclosed {{#each %s}}", tok.expr)
			}
			segs = append(segs, eachSegment{Path: tok.expr, Body: body})
			tokens = remaining[1:]
		case tokIfEnd, tokEachEnd:
			return segs, tokens, nil
		}
	}
	return segs, tokens, nil
}

// parseVariableExpr splits "path | filter:arg | filter" into the dotted
// path and its ordered filter chain.
func parseVariableExpr(raw string) (string, []filterCall) {
	parts := strings.Split(raw, "|")
	path := strings.TrimSpace(parts[0])
	var filters []filterCall
	for _, p := range parts[1:] {
		filters = append(filters, parseFilterCall(strings.TrimSpace(p)))
	}
	return path, filters
}
