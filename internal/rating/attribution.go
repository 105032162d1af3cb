package rating

import (
	"regexp"
	"strconv"

	"avalon-arena/internal/observer"
)

// Fault attribution reads the public event log of an errored battle and names
// the offending seat. Structured fields are authoritative; the regex fallback
// exists for logs written before the structured fields, or when an upstream
// component mangled them.

var (
	rePlayerID = regexp.MustCompile(`Player (\d+)`)
	reMethod   = regexp.MustCompile(`method '([^']+)'|executing ([^ ]+)`)
)

// FaultAttribution is the resolved offender of an errored game.
type FaultAttribution struct {
	Position int    // seat 1..7
	Kind     string // critical_player_ERROR or player_return_ERROR
	Method   string // canonical method name, may be empty
}

// attributeFault scans newest-first for the attributable error event. Returns
// nil when no event names a valid seat, in which case the battle settles
// without a penalty.
func attributeFault(records []map[string]any) *FaultAttribution {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		typ, _ := rec["type"].(string)
		if typ != observer.EvCriticalPlayerErr && typ != observer.EvPlayerReturnErr {
			continue
		}

		att := &FaultAttribution{Kind: typ}
		if pid, ok := asInt(rec["error_code_pid"]); ok && pid >= 1 && pid <= 7 {
			att.Position = pid
		}
		if m, ok := rec["error_code_method"].(string); ok {
			att.Method = m
		}

		if att.Position == 0 || att.Method == "" {
			text := asString(rec["error_msg"]) + "\n" + asString(rec["traceback"])
			if att.Position == 0 {
				if m := rePlayerID.FindStringSubmatch(text); m != nil {
					att.Position, _ = strconv.Atoi(m[1])
				}
			}
			if att.Method == "" {
				if m := reMethod.FindStringSubmatch(text); m != nil {
					if m[1] != "" {
						att.Method = m[1]
					} else {
						att.Method = m[2]
					}
				}
			}
		}

		if att.Position >= 1 && att.Position <= 7 {
			return att
		}
	}
	return nil
}

// tokensFromLog finds the newest tokens event and returns per-seat usage.
// Seats default to zero when the event is missing or short.
func tokensFromLog(records []map[string]any) [7]TokenUsage {
	var out [7]TokenUsage
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if typ, _ := rec["type"].(string); typ != observer.EvTokens {
			continue
		}
		result, ok := rec["result"].([]any)
		if !ok {
			continue
		}
		for seat := 0; seat < 7 && seat < len(result); seat++ {
			entry, ok := result[seat].(map[string]any)
			if !ok {
				continue
			}
			if n, ok := asInt(entry["input"]); ok {
				out[seat].Input = n
			}
			if n, ok := asInt(entry["output"]); ok {
				out[seat].Output = n
			}
		}
		return out
	}
	return out
}

// asInt tolerates the number types JSON decoding produces.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
