package gamefile

import (
	"os"
	"testing"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir(), "battle-1")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return d
}

func TestInitCreatesFiles(t *testing.T) {
	d := newTestDir(t)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(d.PublicPath()); err != nil {
		t.Errorf("public log missing: %v", err)
	}
	for pos := 1; pos <= 7; pos++ {
		if _, err := os.Stat(d.PrivatePath(pos)); err != nil {
			t.Errorf("private file %d missing: %v", pos, err)
		}
	}

	records, err := d.ReadPublic(0)
	if err != nil {
		t.Fatalf("ReadPublic: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("fresh public log has %d records", len(records))
	}
}

func TestInitPreservesExistingFiles(t *testing.T) {
	d := newTestDir(t)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.AppendPublic(map[string]any{"type": "GameStart"}); err != nil {
		t.Fatal(err)
	}

	// A second Init (battle retry) must not truncate the log.
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	records, _ := d.ReadPublic(0)
	if len(records) != 1 {
		t.Errorf("log has %d records after re-Init, want 1", len(records))
	}
}

func TestAppendPublicRoundTrip(t *testing.T) {
	d := newTestDir(t)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := d.AppendPublic(map[string]any{"type": "PublicSpeech", "seq": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records, err := d.ReadPublic(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	if seq, _ := records[4]["seq"].(float64); seq != 4 {
		t.Errorf("last record seq = %v, want 4", records[4]["seq"])
	}
}

func TestReadPublicLimitKeepsNewest(t *testing.T) {
	d := newTestDir(t)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		d.AppendPublic(map[string]any{"seq": i})
	}

	records, err := d.ReadPublic(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if seq, _ := records[0]["seq"].(float64); seq != 7 {
		t.Errorf("oldest kept record seq = %v, want 7", records[0]["seq"])
	}
}

func TestPrivateDefaults(t *testing.T) {
	d := newTestDir(t)
	p, err := d.ReadPrivate(1)
	if err != nil {
		t.Fatalf("ReadPrivate: %v", err)
	}
	if len(p.CallCounts) != CallCountSlots {
		t.Errorf("call counts = %d slots, want %d", len(p.CallCounts), CallCountSlots)
	}
	if p.Logs == nil || p.LLMHistory == nil {
		t.Error("fresh private file should carry empty (non-nil) slices")
	}
}

func TestUpdatePrivate(t *testing.T) {
	d := newTestDir(t)
	err := d.UpdatePrivate(3, func(p *Private) error {
		p.Logs = append(p.Logs, "night sight delivered")
		p.CallCounts[0]++
		p.LLMHistory = append(p.LLMHistory, ChatMessage{Role: "user", Content: "hello"})
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePrivate: %v", err)
	}

	p, err := d.ReadPrivate(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Logs) != 1 || p.CallCounts[0] != 1 || len(p.LLMHistory) != 1 {
		t.Errorf("private after update = %+v", p)
	}
	if p.LLMHistory[0].Role != "user" {
		t.Errorf("history role = %q", p.LLMHistory[0].Role)
	}
}

func TestEnsureArchiveResetsCorruptFile(t *testing.T) {
	d := newTestDir(t)
	if err := os.WriteFile(d.ArchivePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.EnsureArchive(); err != nil {
		t.Fatalf("EnsureArchive: %v", err)
	}
	if err := d.AppendArchive(map[string]any{"type": "GameStart"}); err != nil {
		t.Errorf("append after reset: %v", err)
	}
}
