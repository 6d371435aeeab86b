package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"completion-bridge/internal/models"
)

const assistantMarker = "<|assistant|>"

// ToolCallParser understands ChatGLM tool output: a tool name on the first line
// followed by a fenced `tool_call(key=value, ...)` expression. Arguments are
// re-encoded as a JSON object preserving keyword order.
type ToolCallParser struct{}

func (ToolCallParser) Parse(text string) (models.FunctionCall, error) {
	segment := lastSegment(text)
	if segment == "" {
		return models.FunctionCall{}, fmt.Errorf("%w: empty output", ErrParse)
	}

	metadata, body, ok := strings.Cut(segment, "\n")
	if !ok {
		return models.FunctionCall{}, fmt.Errorf("%w: missing tool call body", ErrParse)
	}
	name := strings.TrimSpace(metadata)
	if name == "" {
		return models.FunctionCall{}, fmt.Errorf("%w: output is plain text", ErrParse)
	}

	args, err := parseToolCallExpr(stripFence(body))
	if err != nil {
		return models.FunctionCall{}, err
	}
	return models.FunctionCall{Name: name, Arguments: args}, nil
}

func lastSegment(text string) string {
	segments := strings.Split(text, assistantMarker)
	for i := len(segments) - 1; i >= 0; i-- {
		if strings.TrimSpace(segments[i]) != "" {
			return segments[i]
		}
	}
	return ""
}

func stripFence(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func parseToolCallExpr(code string) (string, error) {
	inner, ok := strings.CutPrefix(code, "tool_call(")
	if !ok {
		return "", fmt.Errorf("%w: expected tool_call(...) expression", ErrParse)
	}
	inner, ok = strings.CutSuffix(strings.TrimSpace(inner), ")")
	if !ok {
		return "", fmt.Errorf("%w: unterminated tool_call expression", ErrParse)
	}

	p := &literalParser{src: inner}
	kwargs := &orderedObject{}
	for {
		p.skipSpace()
		if p.eof() {
			break
		}
		key, err := p.identifier()
		if err != nil {
			return "", err
		}
		p.skipSpace()
		if !p.consume('=') {
			return "", p.errorf("expected '=' after %q", key)
		}
		value, err := p.value()
		if err != nil {
			return "", err
		}
		kwargs.set(key, value)

		p.skipSpace()
		if p.eof() {
			break
		}
		if !p.consume(',') {
			return "", p.errorf("expected ',' between arguments")
		}
	}

	var buf bytes.Buffer
	if err := encodeLiteral(&buf, kwargs); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// JSONParser accepts `{"name": ..., "arguments": ...}`, either as the whole
// text or as its last line. Object-valued arguments are compacted to a string.
type JSONParser struct{}

func (JSONParser) Parse(text string) (models.FunctionCall, error) {
	candidates := []string{stripFence(text)}
	if idx := strings.LastIndex(text, "\n{"); idx >= 0 {
		candidates = append(candidates, strings.TrimSpace(text[idx+1:]))
	}

	var lastErr error
	for _, candidate := range candidates {
		call, err := decodeCallObject(candidate)
		if err == nil {
			return call, nil
		}
		lastErr = err
	}
	return models.FunctionCall{}, lastErr
}

func decodeCallObject(candidate string) (models.FunctionCall, error) {
	if !strings.HasPrefix(candidate, "{") {
		return models.FunctionCall{}, fmt.Errorf("%w: not a JSON object", ErrParse)
	}

	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return models.FunctionCall{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if strings.TrimSpace(raw.Name) == "" {
		return models.FunctionCall{}, fmt.Errorf("%w: missing function name", ErrParse)
	}

	args := bytes.TrimSpace(raw.Arguments)
	switch {
	case len(args) == 0 || bytes.Equal(args, []byte("null")):
		return models.FunctionCall{Name: raw.Name, Arguments: "{}"}, nil
	case args[0] == '"':
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return models.FunctionCall{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return models.FunctionCall{Name: raw.Name, Arguments: s}, nil
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, args); err != nil {
			return models.FunctionCall{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return models.FunctionCall{Name: raw.Name, Arguments: compact.String()}, nil
	}
}

// literalParser reads the Python literal subset emitted inside tool_call:
// strings, numbers, True/False/None, lists, tuples and dicts.
type literalParser struct {
	src string
	pos int
}

func (p *literalParser) eof() bool { return p.pos >= len(p.src) }

func (p *literalParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) consume(c byte) bool {
	if p.peek() == c && !p.eof() {
		p.pos++
		return true
	}
	return false
}

func (p *literalParser) skipSpace() {
	for !p.eof() {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *literalParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: offset %d: %s", ErrParse, p.pos, fmt.Sprintf(format, args...))
}

func (p *literalParser) identifier() (string, error) {
	start := p.pos
	for !p.eof() {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if r != '_' && !unicode.IsLetter(r) && !(p.pos > start && unicode.IsDigit(r)) {
			break
		}
		p.pos += size
	}
	if p.pos == start {
		return "", p.errorf("expected keyword name")
	}
	return p.src[start:p.pos], nil
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case p.eof():
		return nil, p.errorf("expected value")
	case c == '\'' || c == '"':
		return p.str()
	case c == '[':
		p.pos++
		return p.sequence(']')
	case c == '(':
		p.pos++
		return p.sequence(')')
	case c == '{':
		p.pos++
		return p.dict()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		word, err := p.identifier()
		if err != nil {
			return nil, p.errorf("unexpected character %q", c)
		}
		switch word {
		case "True":
			return true, nil
		case "False":
			return false, nil
		case "None":
			return nil, nil
		}
		return nil, p.errorf("unsupported name %q", word)
	}
}

func (p *literalParser) str() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\':
			p.pos++
			if p.eof() {
				return "", p.errorf("unterminated escape")
			}
			if err := p.escape(&b); err != nil {
				return "", err
			}
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *literalParser) escape(b *strings.Builder) error {
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case '0':
		b.WriteByte(0)
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'u':
		if p.pos+4 > len(p.src) {
			return p.errorf("short unicode escape")
		}
		n, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 32)
		if err != nil {
			return p.errorf("invalid unicode escape")
		}
		b.WriteRune(rune(n))
		p.pos += 4
	default:
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (p *literalParser) number() (json.Number, error) {
	start := p.pos
	for !p.eof() && strings.IndexByte("+-.0123456789eE_", p.peek()) >= 0 {
		p.pos++
	}
	raw := p.src[start:p.pos]
	text := strings.TrimPrefix(strings.ReplaceAll(raw, "_", ""), "+")

	if !strings.ContainsAny(text, ".eE") {
		digits := strings.TrimPrefix(text, "-")
		if digits == "" || strings.Trim(digits, "0123456789") != "" {
			return "", p.errorf("invalid number %q", raw)
		}
		digits = strings.TrimLeft(digits, "0")
		if digits == "" {
			return "0", nil
		}
		if strings.HasPrefix(text, "-") {
			digits = "-" + digits
		}
		return json.Number(digits), nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return "", p.errorf("invalid number %q", raw)
	}
	return json.Number(formatFloat(f)), nil
}

// formatFloat renders f the way Python's float repr does. The result is
// always a valid JSON number.
func formatFloat(f float64) string {
	if abs := math.Abs(f); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

func (p *literalParser) sequence(closer byte) ([]any, error) {
	items := []any{}
	for {
		p.skipSpace()
		if p.consume(closer) {
			return items, nil
		}
		item, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		if p.consume(closer) {
			return items, nil
		}
		return nil, p.errorf("expected ',' or %q", closer)
	}
}

func (p *literalParser) dict() (*orderedObject, error) {
	obj := &orderedObject{}
	for {
		p.skipSpace()
		if p.consume('}') {
			return obj, nil
		}
		if c := p.peek(); c != '\'' && c != '"' {
			return nil, p.errorf("dict keys must be strings")
		}
		key, err := p.str()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consume(':') {
			return nil, p.errorf("expected ':' after dict key")
		}
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		obj.set(key, val)
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		if p.consume('}') {
			return obj, nil
		}
		return nil, p.errorf("expected ',' or '}'")
	}
}

// orderedObject keeps insertion order; a repeated key overwrites in place.
type orderedObject struct {
	keys   []string
	values map[string]any
}

func (o *orderedObject) set(key string, value any) {
	if o.values == nil {
		o.values = make(map[string]any)
	}
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

func encodeLiteral(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(val.String())
	case string:
		encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := encodeLiteral(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *orderedObject:
		buf.WriteByte('{')
		for i, key := range val.keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			encodeString(buf, key)
			buf.WriteString(": ")
			if err := encodeLiteral(buf, val.values[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported literal %T", ErrParse, v)
	}
	return nil
}

// encodeString writes a JSON string without HTML escaping so non-ASCII and
// markup characters pass through unchanged.
func encodeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}
