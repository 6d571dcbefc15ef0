package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omrylcn/gbot-sub000/internal/logging"
)

func writeSkill(t *testing.T, dir, name, content string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(skillDir, SkillFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSkillValidate(t *testing.T) {
	tests := []struct {
		skill   Skill
		wantErr bool
	}{
		{Skill{Name: "test", Description: "Test"}, false},
		{Skill{Name: "", Description: "Test"}, true},
		{Skill{Name: "test", Description: ""}, true},
		{Skill{}, true},
	}

	for _, tt := range tests {
		err := tt.skill.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
		}
	}
}

func TestParseSkillMD(t *testing.T) {
	content := "---\r\nname: travel\r\ndescription: Plan trips\r\npriority: 3\r\ntools:\r\n  - web_search\r\n---\r\n\r\n# Travel\r\n\r\nAsk for dates first.\r\n"

	skill, err := ParseSkillMD([]byte(content))
	if err != nil {
		t.Fatalf("ParseSkillMD() error = %v", err)
	}
	if skill.Name != "travel" || skill.Description != "Plan trips" {
		t.Errorf("skill = %+v", skill)
	}
	if skill.Priority != 3 {
		t.Errorf("Priority = %d, want 3", skill.Priority)
	}
	if len(skill.Tools) != 1 || skill.Tools[0] != "web_search" {
		t.Errorf("Tools = %v", skill.Tools)
	}
	if skill.Body != "# Travel\n\nAsk for dates first." {
		t.Errorf("Body = %q", skill.Body)
	}
}

func TestParseSkillMDNoFrontmatter(t *testing.T) {
	if _, err := ParseSkillMD([]byte("# Just Markdown\n\nNo frontmatter here.\n")); err == nil {
		t.Error("ParseSkillMD() should error without frontmatter")
	}
	if _, err := ParseSkillMD([]byte("---\nname: x\n")); err == nil {
		t.Error("ParseSkillMD() should error without closing marker")
	}
}

func TestLoaderListOrderAndEnabled(t *testing.T) {
	logging.Disable()
	dir := t.TempDir()
	writeSkill(t, dir, "a", "---\nname: skill-a\ndescription: First\npriority: 10\n---\nA")
	writeSkill(t, dir, "b", "---\nname: skill-b\ndescription: Second\npriority: 5\n---\nB")
	writeSkill(t, dir, "c", "---\nname: skill-c\ndescription: Third\npriority: 20\n---\nC")
	writeSkill(t, dir, "d", "---\nname: skill-d\ndescription: Off\npriority: 50\ndisabled: true\n---\nD")
	writeSkill(t, dir, "broken", "no frontmatter")

	loader := NewLoader(dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if loader.Count() != 4 {
		t.Fatalf("Count() = %d, want 4 (broken file skipped)", loader.Count())
	}

	enabled := loader.Enabled()
	want := []string{"skill-c", "skill-a", "skill-b"}
	if len(enabled) != len(want) {
		t.Fatalf("Enabled() = %d skills, want %d", len(enabled), len(want))
	}
	for i, name := range want {
		if enabled[i].Name != name {
			t.Errorf("Enabled()[%d] = %s, want %s", i, enabled[i].Name, name)
		}
	}
}

func TestLoaderEmptyDir(t *testing.T) {
	logging.Disable()
	loader := NewLoader(filepath.Join(t.TempDir(), "missing"))
	if err := loader.LoadAll(); err != nil {
		t.Errorf("LoadAll() should not error for nonexistent dir, got %v", err)
	}
	if loader.Count() != 0 {
		t.Errorf("Count() = %d, want 0", loader.Count())
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	logging.Disable()
	dir := t.TempDir()
	path := writeSkill(t, dir, "news", "---\nname: news\ndescription: Headlines\n---\nv1")

	loader := NewLoader(dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loader.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer loader.Stop()

	if err := os.WriteFile(path, []byte("---\nname: news\ndescription: Headlines\n---\nv2"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		s, ok := loader.Get("news")
		return ok && s.Body == "v2"
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := loader.Get("news")
		return !ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
