package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // driver.type
	Code    string // see rules, validation_error otherwise
	Message string
	Pos     CueErrorPosition
	Raw     string
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

// rules classify CUE error messages, the first match wins. Format gets the
// dotted path of the offending key.
var rules = []struct {
	code   string
	rx     *regexp.Regexp
	format string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "%s is not allowed"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "%s is required"},
	{"invalid_duration", regexp.MustCompile(`=~"\^P"`), "%s must be an ISO-8601 duration, like PT7M30S"},
	{"invalid_enum", regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`), "%s has invalid value"},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting values for %s"},
	{"type_mismatch", regexp.MustCompile(`(?i)expected .* got .*`), "%s has wrong type or value"},
}

// enumPaths are the configuration keys restricted to a fixed set of values,
// their errors are extended by the list of allowed values.
var enumPaths = []string{"driver.type"}

// CueErrDetails turns an error returned by LoadConfig into human readable details.
// Errors which are not CUE validation errors are returned as a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	details := humanize(err)
	if len(details) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return details
}

func humanize(err error) []CueErrorDetail {
	seen := make(map[CueErrorPosition]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}

		for _, enumPath := range enumPaths {
			if path != enumPath {
				continue
			}
			values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(enumPath)))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != nil {
				msg += fmt.Sprintf(" (default %s)", *dflt)
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def *string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = &s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
		return
	}
	seen := map[string]struct{}{}
	for _, a := range args {
		s, err := a.String()
		if err != nil {
			continue
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			values = append(values, strconv.Quote(s))
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the #Config definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	for _, r := range rules {
		if r.rx.MatchString(raw) {
			return r.code, fmt.Sprintf(r.format, path)
		}
	}
	return "validation_error", raw
}
