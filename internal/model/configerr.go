package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a single config validation problem in a form fit for
// operators.
type CueErrorDetail struct {
	Path    string // worker.max_workers
	Code    string // unknown_field | missing_required | out_of_bound | invalid_format | invalid_enum | conflicting_values | type_mismatch
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

type errRule struct {
	match  *regexp.Regexp
	code   string
	format string // %s is the field name
}

// first match wins
var errRules = []errRule{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)invalid value .* \(out of bound`), "out_of_bound", "Field %s is out of range"},
	{regexp.MustCompile(`(?i)does not match`), "invalid_format", "Field %s has invalid format"},
	{regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
}

const durationHint = " (use a duration like 2h, 30m or 1.5s)"

// CueErrDetails turns an error returned by LoadConfig into a list of
// details suitable for logging. Errors not coming from CUE yield a single
// validation_error entry.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		d := CueErrorDetail{
			Path: fieldPath(e.Path()),
			Raw:  fmt.Sprintf(format, args...),
			Pos:  firstPosition(e),
		}
		if d.Pos.Filename != "" {
			if _, dup := seen[d.Pos]; dup {
				continue
			}
			seen[d.Pos] = struct{}{}
		}
		d.Code, d.Message = describe(d.Raw, d.Path)
		out = append(out, d)
	}

	if len(out) == 0 {
		out = append(out, CueErrorDetail{Code: "validation_error", Message: err.Error(), Raw: err.Error()})
	}
	return out
}

func describe(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}

	for _, r := range errRules {
		if !r.match.MatchString(raw) {
			continue
		}
		msg = fmt.Sprintf(r.format, field)
		switch r.code {
		case "invalid_format":
			if strings.Contains(raw, "(ns|us|µs|ms|s|m|h)") {
				msg += durationHint
			}
		case "invalid_enum", "conflicting_values":
			if values := choices(schemaAt(path)); len(values) > 0 {
				msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			}
		}
		return r.code, msg
	}
	return "validation_error", raw
}

// choices lists string alternatives of a disjunction like "json" | "text".
func choices(v cue.Value) []string {
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if a.Kind() != cue.StringKind {
			continue
		}
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values
}

func firstPosition(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// fieldPath drops the leading #Config definition.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func schemaAt(path string) cue.Value {
	if path == "" {
		return schema
	}
	return schema.LookupPath(cue.ParsePath(path))
}
