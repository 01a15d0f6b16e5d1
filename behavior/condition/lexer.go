package condition

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokString tokenKind = iota
	tokNumber
	tokBool
	tokNull
	tokUndefined
	tokPath
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	// operator text, raw path, or the raw literal as written
	text string
	pos  int
	// decoded literal payloads
	str  string
	num  float64
	flag bool
}

// longest match first
var operators = []string{"===", "!==", "==", "!=", ">=", "<=", "&&", "||", ">", "<"}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '$'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func tokenize(expr string) ([]token, error) {
	var out []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '"' || c == '\'':
			tok, next, err := lexString(expr, i)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
			i = next
		case isDigit(c) || (c == '-' && i+1 < len(expr) && (isDigit(expr[i+1]) || expr[i+1] == '.')) || (c == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			j := i + 1
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.') {
				j++
			}
			if j < len(expr) && isIdentStart(expr[j]) {
				return nil, fmt.Errorf("malformed number at offset %d", i)
			}
			n, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("malformed number %q at offset %d", expr[i:j], i)
			}
			out = append(out, token{kind: tokNumber, text: expr[i:j], pos: i, num: n})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(expr) && (isIdentChar(expr[j]) || expr[j] == '.') {
				j++
			}
			word := expr[i:j]
			tok := token{text: word, pos: i}
			switch word {
			case "true", "false":
				tok.kind = tokBool
				tok.flag = word == "true"
			case "null":
				tok.kind = tokNull
			case "undefined":
				tok.kind = tokUndefined
			default:
				for _, seg := range strings.Split(word, ".") {
					if seg == "" {
						return nil, fmt.Errorf("empty path segment in %q at offset %d", word, i)
					}
				}
				tok.kind = tokPath
			}
			out = append(out, tok)
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(expr[i:], op) {
					out = append(out, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
		}
	}
	return out, nil
}

// Scans a quoted string starting at expr[start]. A backslash escapes the following character.
func lexString(expr string, start int) (token, int, error) {
	quote := expr[start]
	var sb strings.Builder
	j := start + 1
	for j < len(expr) {
		ch := expr[j]
		if ch == '\\' && j+1 < len(expr) {
			sb.WriteByte(expr[j+1])
			j += 2
			continue
		}
		if ch == quote {
			return token{kind: tokString, text: expr[start : j+1], pos: start, str: sb.String()}, j + 1, nil
		}
		sb.WriteByte(ch)
		j++
	}
	return token{}, 0, fmt.Errorf("unterminated string starting at offset %d", start)
}
