package rating

import "testing"

func TestAttributeFaultStructured(t *testing.T) {
	records := []map[string]any{
		{"type": "game_start"},
		{"type": "critical_player_ERROR", "error_code_pid": float64(3), "error_code_method": "walk"},
	}
	att := attributeFault(records)
	if att == nil {
		t.Fatal("expected an attribution")
	}
	if att.Position != 3 || att.Kind != "critical_player_ERROR" || att.Method != "walk" {
		t.Errorf("got %+v", att)
	}
}

func TestAttributeFaultNewestWins(t *testing.T) {
	records := []map[string]any{
		{"type": "player_return_ERROR", "error_code_pid": 2, "error_code_method": "say"},
		{"type": "critical_player_ERROR", "error_code_pid": 6, "error_code_method": "mission_vote2"},
	}
	att := attributeFault(records)
	if att == nil || att.Position != 6 {
		t.Fatalf("expected the newest error event, got %+v", att)
	}
}

func TestAttributeFaultRegexFallback(t *testing.T) {
	records := []map[string]any{
		{
			"type":      "player_return_ERROR",
			"error_msg": "Player 5 returned a bad value while executing walk right",
		},
	}
	att := attributeFault(records)
	if att == nil {
		t.Fatal("expected an attribution from the message text")
	}
	if att.Position != 5 {
		t.Errorf("position = %d, want 5", att.Position)
	}
	if att.Method != "walk" {
		t.Errorf("method = %q, want walk", att.Method)
	}
}

func TestAttributeFaultQuotedMethod(t *testing.T) {
	records := []map[string]any{
		{
			"type":      "critical_player_ERROR",
			"error_msg": "exception raised",
			"traceback": "Player 1 crashed in method 'decide_mission_member'",
		},
	}
	att := attributeFault(records)
	if att == nil || att.Method != "decide_mission_member" {
		t.Fatalf("got %+v, want method decide_mission_member", att)
	}
}

func TestAttributeFaultNoValidSeat(t *testing.T) {
	records := []map[string]any{
		{"type": "critical_player_ERROR", "error_code_pid": 9, "error_msg": "referee blew up"},
		{"type": "game_end"},
	}
	if att := attributeFault(records); att != nil {
		t.Errorf("expected nil attribution, got %+v", att)
	}
	if att := attributeFault(nil); att != nil {
		t.Errorf("empty log should attribute nothing, got %+v", att)
	}
}

func TestTokensFromLog(t *testing.T) {
	records := []map[string]any{
		{"type": "tokens", "result": []any{
			map[string]any{"input": float64(10), "output": float64(20)},
		}},
		{"type": "tokens", "result": []any{
			map[string]any{"input": float64(100), "output": float64(200)},
			map[string]any{"input": 50, "output": 75},
		}},
	}
	got := tokensFromLog(records)
	if got[0].Input != 100 || got[0].Output != 200 {
		t.Errorf("seat 1 = %+v, want the newest event's values", got[0])
	}
	if got[1].Input != 50 || got[1].Output != 75 {
		t.Errorf("seat 2 = %+v", got[1])
	}
	if got[2] != (TokenUsage{}) {
		t.Errorf("missing seat should stay zero, got %+v", got[2])
	}

	var zero [7]TokenUsage
	if tokensFromLog(nil) != zero {
		t.Error("no tokens event should yield zero usage")
	}
}
