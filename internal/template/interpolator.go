// Package template implements the expression language used to bind a
// workflow node's configured parameters to the outputs of upstream nodes.
//
// Recognized forms: {data.PATH}, {previousBlock.PATH}, {NODEID.PATH},
// {{json.PATH}}, {{PATH}}, {{$now}}, {{$uuid}}, and a handful of
// formatter functions. See Interpolate for precedence.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Context carries ambient values an expression may reference via {{ctx.PATH}}.
type Context struct {
	Ambient map[string]interface{}
}

// PreviousOutputs holds the upstream nodes' emitted values, keyed by node
// id and ordered by the engine's scheduling order (see Order).
type PreviousOutputs struct {
	// Order is the node ids in the order their outputs became available.
	Order []string
	// Values maps node id to its output.
	Values map[string]interface{}
}

// ErrMalformed is returned when a template has unbalanced braces or an
// unrecognized function name inside a {{ }} expression.
type ErrMalformed struct {
	Template string
	Reason   string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("template malformed: %s (%s)", e.Template, e.Reason)
}

var builtinFuncs = map[string]bool{
	"randomInt": true, "randomFloat": true, "randomString": true,
	"formatDate": true, "formatNumber": true, "formatCurrency": true,
	"uppercase": true, "lowercase": true, "substring": true,
}

// Interpolate substitutes every recognized expression in tmpl and returns
// the resulting string. data is the node's own input payload (for
// {{json.*}} / {{*}} resolution); prev is the set of upstream outputs.
func Interpolate(tmpl string, data interface{}, prev PreviousOutputs, ctx Context) (string, error) {
	if err := Validate(tmpl); err != nil {
		return "", err
	}

	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i:], "}}")
			if end < 0 {
				out.WriteString(tmpl[i:])
				break
			}
			payload := tmpl[i+2 : i+end]
			val, err := resolveDouble(payload, data, prev, ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(format(val))
			i += end + 2
			continue
		}
		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				out.WriteString(tmpl[i:])
				break
			}
			payload := tmpl[i+1 : i+end]
			val, ok := resolveSingle(payload, prev)
			if !ok {
				// No recognized expression: leave the braces untouched.
				out.WriteString(tmpl[i : i+end+1])
			} else {
				out.WriteString(format(val))
			}
			i += end + 1
			continue
		}
		out.WriteByte(tmpl[i])
		i++
	}
	return out.String(), nil
}

// resolveSingle handles {data.PATH}, {previousBlock.PATH}, and {NODEID.PATH}.
func resolveSingle(payload string, prev PreviousOutputs) (interface{}, bool) {
	dot := strings.IndexByte(payload, '.')
	var ident, path string
	if dot < 0 {
		ident = payload
	} else {
		ident = payload[:dot]
		path = payload[dot+1:]
	}

	switch ident {
	case "data":
		return resolveAgainstOutputs(path, prev)
	case "previousBlock":
		if len(prev.Order) == 0 {
			return nil, true
		}
		last := prev.Order[len(prev.Order)-1]
		val, ok := resolveOne(path, prev.Values[last])
		return val, true || ok
	default:
		// {NODEID.PATH}: exact match first, then substring match either way.
		if v, ok := prev.Values[ident]; ok {
			val, _ := resolveOne(path, v)
			return val, true
		}
		for nodeID, v := range prev.Values {
			if strings.Contains(nodeID, ident) || strings.Contains(ident, nodeID) {
				val, _ := resolveOne(path, v)
				return val, true
			}
		}
		return nil, false
	}
}

var commonFieldAliases = []string{"response", "result", "output", "data", "content", "text"}

// resolveAgainstOutputs implements the {data.PATH} resolver: walk
// previous outputs in scheduling order, trying direct path, then
// common-field aliases, then one level of nested lookup, against each.
func resolveAgainstOutputs(path string, prev PreviousOutputs) (interface{}, bool) {
	for _, nodeID := range prev.Order {
		output := prev.Values[nodeID]
		if v, ok := tryResolve(path, output); ok {
			return v, true
		}
	}
	return nil, true
}

// tryResolve applies the three-step fallback (direct, alias, nested) used
// by the {data.*} resolver against a single output value.
func tryResolve(path string, output interface{}) (interface{}, bool) {
	if v, ok := resolveOne(path, output); ok {
		return v, true
	}

	segs := splitPath(path)
	if len(segs) > 0 {
		for _, alias := range commonFieldAliases {
			if segs[0].name == alias {
				if m, ok := output.(map[string]interface{}); ok {
					if v, ok := m[alias]; ok {
						if len(segs) == 1 {
							return indexInto(v, segs[0].index)
						}
						if v2, ok := resolvePath(segs[1:], v); ok {
							return v2, true
						}
					}
				}
			}
		}
	}

	if m, ok := output.(map[string]interface{}); ok {
		for _, v := range m {
			if nested, ok := v.(map[string]interface{}); ok {
				if r, ok := resolveOne(path, nested); ok {
					return r, true
				}
			}
		}
	}
	return nil, false
}

func resolveOne(path string, output interface{}) (interface{}, bool) {
	if path == "" {
		return output, output != nil
	}
	return resolvePath(splitPath(path), output)
}

type pathSeg struct {
	name     string
	index    int
	hasIndex bool
}

func splitPath(path string) []pathSeg {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	segs := make([]pathSeg, 0, len(parts))
	for _, p := range parts {
		seg := pathSeg{name: p}
		if lb := strings.IndexByte(p, '['); lb >= 0 && strings.HasSuffix(p, "]") {
			seg.name = p[:lb]
			if idx, err := strconv.Atoi(p[lb+1 : len(p)-1]); err == nil {
				seg.index = idx
				seg.hasIndex = true
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

func resolvePath(segs []pathSeg, cur interface{}) (interface{}, bool) {
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg.name]
		if !ok {
			return nil, false
		}
		if seg.hasIndex {
			v2, ok := indexInto(v, seg.index)
			if !ok {
				return nil, false
			}
			v = v2
		}
		cur = v
	}
	return cur, cur != nil
}

func indexInto(v interface{}, idx int) (interface{}, bool) {
	arr, ok := v.([]interface{})
	if !ok || idx < 0 || idx >= len(arr) {
		return nil, false
	}
	return arr[idx], true
}

// resolveDouble handles the {{ }} forms: json.PATH, bare PATH, ctx.PATH,
// builtins, and function calls.
func resolveDouble(payload string, data interface{}, prev PreviousOutputs, ctx Context) (interface{}, error) {
	payload = strings.TrimSpace(payload)

	switch payload {
	case "$now":
		return time.Now().Format(time.RFC3339), nil
	case "$uuid":
		return newUUIDv4(), nil
	}

	if strings.HasPrefix(payload, "$") {
		return evalFuncCall(payload, data, prev, ctx)
	}

	if strings.HasPrefix(payload, "ctx.") {
		v, _ := resolveOne(strings.TrimPrefix(payload, "ctx."), ctx.Ambient)
		return v, nil
	}

	path := payload
	if strings.HasPrefix(payload, "json.") {
		path = strings.TrimPrefix(payload, "json.")
	}
	v, ok := resolveOne(path, data)
	if !ok && strings.HasPrefix(path, "data.") {
		v, _ = resolveSingle(path, prev)
	}
	return v, nil
}

// evalFuncCall evaluates $fnname(arg, arg, ...), including a possibly
// nested json.PATH argument.
func evalFuncCall(payload string, data interface{}, prev PreviousOutputs, ctx Context) (interface{}, error) {
	open := strings.IndexByte(payload, '(')
	if open < 0 || !strings.HasSuffix(payload, ")") {
		return nil, &ErrMalformed{Template: payload, Reason: "malformed function call"}
	}
	name := payload[1:open]
	if !builtinFuncs[name] {
		return nil, &ErrMalformed{Template: payload, Reason: "unknown function " + name}
	}
	argStr := payload[open+1 : len(payload)-1]
	args := splitArgs(argStr)

	resolveArg := func(a string) interface{} {
		a = strings.TrimSpace(a)
		if strings.HasPrefix(a, "\"") && strings.HasSuffix(a, "\"") {
			return strings.Trim(a, "\"")
		}
		var expr = a
		if strings.HasPrefix(a, "json.") {
			expr = strings.TrimPrefix(a, "json.")
		}
		if v, ok := resolveOne(expr, data); ok {
			return v
		}
		return a
	}

	switch name {
	case "uppercase":
		return strings.ToUpper(fmt.Sprint(resolveArg(args[0]))), nil
	case "lowercase":
		return strings.ToLower(fmt.Sprint(resolveArg(args[0]))), nil
	case "substring":
		s := fmt.Sprint(resolveArg(args[0]))
		start, _ := strconv.Atoi(strings.TrimSpace(args[1]))
		endIdx := len(s)
		if len(args) > 2 {
			endIdx, _ = strconv.Atoi(strings.TrimSpace(args[2]))
		}
		if start < 0 {
			start = 0
		}
		if endIdx > len(s) {
			endIdx = len(s)
		}
		if start > endIdx {
			return "", nil
		}
		return s[start:endIdx], nil
	case "formatDate":
		v := resolveArg(args[0])
		layout := "2006-01-02T15:04:05Z07:00"
		if len(args) > 1 {
			switch strings.Trim(strings.TrimSpace(args[1]), "\"") {
			case "YYYY-MM-DD":
				layout = "2006-01-02"
			case "MM/DD/YYYY":
				layout = "01/02/2006"
			case "DD/MM/YYYY":
				layout = "02/01/2006"
			}
		}
		t, err := parseTimeValue(v)
		if err != nil {
			return "", nil
		}
		return t.Format(layout), nil
	case "formatNumber":
		v := resolveArg(args[0])
		decimals := 2
		if len(args) > 1 {
			decimals, _ = strconv.Atoi(strings.TrimSpace(args[1]))
		}
		f := toFloat(v)
		return strconv.FormatFloat(f, 'f', decimals, 64), nil
	case "formatCurrency":
		v := resolveArg(args[0])
		cur := "USD"
		if len(args) > 1 {
			cur = strings.Trim(strings.TrimSpace(args[1]), "\"")
		}
		f := toFloat(v)
		return fmt.Sprintf("%s %.2f", cur, f), nil
	case "randomInt":
		lo, _ := strconv.Atoi(strings.TrimSpace(args[0]))
		hi, _ := strconv.Atoi(strings.TrimSpace(args[1]))
		return randInt(lo, hi), nil
	case "randomFloat":
		lo, _ := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
		hi, _ := strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
		return randFloat(lo, hi), nil
	case "randomString":
		n, _ := strconv.Atoi(strings.TrimSpace(args[0]))
		return randString(n), nil
	}
	return nil, &ErrMalformed{Template: payload, Reason: "unknown function " + name}
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseTimeValue(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		return time.Parse(time.RFC3339, t)
	case time.Time:
		return t, nil
	}
	return time.Time{}, fmt.Errorf("not a time value")
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

// format applies the canonical textual form to any resolved value.
func format(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
