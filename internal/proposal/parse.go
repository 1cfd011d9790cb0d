// Package proposal turns an advisor reply into a validated trade signal:
// tolerant parsing, repair of missing levels from indicator data and the
// economic sanity checks.
package proposal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/skalibog/altmap/pkg/models"
)

// TradeProposal is the strongly typed advisor reply. Zero prices mean the
// field was absent.
type TradeProposal struct {
	Pair         string
	Direction    string
	Entry1       float64
	Entry2       float64
	StopLoss     float64
	TakeProfits  []float64
	StrategyType string
	RiskLevel    string
	Leverage     string
	Confidence   float64
	KeyWatch     string
	Assessment   string
}

var aliases = map[string]string{
	"symbol":        "pair",
	"coin":          "pair",
	"side":          "direction",
	"entry":         "entry_1",
	"entry1":        "entry_1",
	"entry_price":   "entry_1",
	"entry2":        "entry_2",
	"sl":            "stop_loss",
	"stop":          "stop_loss",
	"stoploss":      "stop_loss",
	"tp":            "take_profits",
	"tps":           "take_profits",
	"take_profit":   "take_profits",
	"targets":       "take_profits",
	"strategy":      "strategy_type",
	"risk":          "risk_level",
	"keywatch":      "key_watch",
	"confidence_%":  "confidence",
	"confidence(%)": "confidence",
}

var (
	rungKey   = regexp.MustCompile(`^(?:tp|take_profit|target)_?(\d+)$`)
	listSplit = regexp.MustCompile(`[;|]|,\s+|\s+/\s+`)
)

// NormalizeKey lower-cases a key and turns spaces and dashes into underscores.
func NormalizeKey(k string) string {
	k = strings.Trim(strings.TrimSpace(k), `"'*`)
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	if a, ok := aliases[k]; ok {
		return a
	}
	return k
}

// Parse strips markdown fences, decodes the first JSON object and falls
// back to a `key: value` line parser when there is none.
func Parse(raw string) (TradeProposal, error) {
	text := stripFences(raw)
	if strings.TrimSpace(text) == "" {
		return TradeProposal{}, models.Malformed("empty reply")
	}

	fields, err := decodeObject(text)
	if err != nil {
		fields = parseLines(text)
	}
	if len(fields) == 0 {
		return TradeProposal{}, models.Malformed("no fields in reply")
	}
	return fromFields(fields)
}

func stripFences(raw string) string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// decodeObject finds the first balanced {...} and decodes it.
func decodeObject(text string) (map[string]any, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no object")
	}
	depth, inString, escaped := 0, false, false
	end := -1
	for i := start; i < len(text) && end < 0; i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("unbalanced object")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	// a single nested object such as {"signal": {...}} is unwrapped
	if len(obj) == 1 {
		for _, v := range obj {
			if inner, ok := v.(map[string]any); ok {
				obj = inner
			}
		}
	}

	fields := make(map[string]any, len(obj))
	rungs := map[int]any{}
	for k, v := range obj {
		key := NormalizeKey(k)
		if m := rungKey.FindStringSubmatch(key); m != nil {
			n, _ := strconv.Atoi(m[1])
			rungs[n] = v
			continue
		}
		fields[key] = v
	}
	if _, ok := fields["take_profits"]; !ok && len(rungs) > 0 {
		fields["take_profits"] = orderedRungs(rungs)
	}
	return fields, nil
}

func parseLines(text string) map[string]any {
	fields := map[string]any{}
	rungs := map[int]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•*"))
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k := NormalizeKey(key)
		v := strings.Trim(strings.TrimSpace(val), `",`)
		if k == "" || v == "" {
			continue
		}
		if m := rungKey.FindStringSubmatch(k); m != nil {
			n, _ := strconv.Atoi(m[1])
			rungs[n] = v
			continue
		}
		fields[k] = v
	}
	if _, ok := fields["take_profits"]; !ok && len(rungs) > 0 {
		fields["take_profits"] = orderedRungs(rungs)
	}
	return fields
}

func orderedRungs(rungs map[int]any) []any {
	keys := make([]int, 0, len(rungs))
	for k := range rungs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = rungs[k]
	}
	return out
}

func fromFields(f map[string]any) (TradeProposal, error) {
	var p TradeProposal
	var err error

	p.Pair = strings.ToUpper(asString(f["pair"]))
	p.Direction = strings.ToLower(strings.TrimSpace(asString(f["direction"])))
	p.StrategyType = asString(f["strategy_type"])
	p.RiskLevel = asString(f["risk_level"])
	p.Leverage = asString(f["leverage"])
	p.KeyWatch = asString(f["key_watch"])
	p.Assessment = asString(f["assessment"])

	if v, ok := f["entry_1"]; ok {
		if p.Entry1, err = ToFloat(v); err != nil {
			return p, models.Malformed("entry_1: %v", err)
		}
	}
	if v, ok := f["stop_loss"]; ok {
		if p.StopLoss, err = ToFloat(v); err != nil {
			return p, models.Malformed("stop_loss: %v", err)
		}
	}
	if v, ok := f["take_profits"]; ok {
		if p.TakeProfits, err = toFloats(v); err != nil {
			return p, models.Malformed("take_profits: %v", err)
		}
	}
	// entry_2 is optional: an unreadable value is treated as absent
	if v, ok := f["entry_2"]; ok {
		if e2, err := ToFloat(v); err == nil {
			p.Entry2 = e2
		}
	}
	if v, ok := f["confidence"]; ok {
		if c, err := ToFloat(v); err == nil {
			p.Confidence = c
		}
	}
	return p, nil
}

// ToFloat accepts numbers and numeric strings with quotes, currency signs,
// thousands separators or a trailing percent.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		s := strings.TrimSpace(x)
		s = strings.Trim(s, `"'`)
		s = strings.NewReplacer(",", "", "$", "", "_", "", " ", "", "%", "").Replace(s)
		if s == "" {
			return 0, fmt.Errorf("empty number")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("null number")
	}
	return 0, fmt.Errorf("unsupported number type %T", v)
}

func toFloats(v any) ([]float64, error) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case string:
		s := strings.Trim(strings.TrimSpace(x), "[]")
		for _, part := range listSplit.Split(s, -1) {
			if strings.TrimSpace(part) != "" {
				items = append(items, part)
			}
		}
	default:
		items = []any{v}
	}
	out := make([]float64, 0, len(items))
	for i, item := range items {
		f, err := ToFloat(item)
		if err != nil {
			return nil, fmt.Errorf("rung %d: %w", i+1, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
