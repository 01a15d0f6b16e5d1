package action

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/condition"
)

// Replaces "${path}" tokens with values from vars. Tokens which do not resolve are left as written.
func Render(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}
	return fasttemplate.ExecuteFuncString(tmpl, "${", "}", func(w io.Writer, tag string) (int, error) {
		v, ok := condition.Lookup(vars, strings.TrimSpace(tag))
		if !ok || v == nil {
			return w.Write([]byte("${" + tag + "}"))
		}
		return w.Write([]byte(formatValue(v)))
	})
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func renderEmbed(e *bdl.Embed, vars map[string]any) *bdl.Embed {
	if e == nil {
		return nil
	}
	out := *e
	out.Title = Render(e.Title, vars)
	out.Description = Render(e.Description, vars)
	out.Footer = Render(e.Footer, vars)
	out.Fields = make([]bdl.EmbedField, len(e.Fields))
	for i, f := range e.Fields {
		out.Fields[i] = bdl.EmbedField{Name: Render(f.Name, vars), Value: Render(f.Value, vars), Inline: f.Inline}
	}
	return &out
}
