// Package skills loads prompt skills from SKILL.md files.
//
// A skill is YAML frontmatter followed by a markdown body:
//
//	---
//	name: daily-briefing
//	description: Compose a short morning briefing
//	priority: 10
//	---
//
//	When the user asks for a daily briefing: ...
//
// Enabled skills are rendered into the system prompt, highest priority first.
package skills

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Skill represents a skill definition parsed from a SKILL.md file.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Priority determines precedence (higher = first)
	Priority int `yaml:"priority"`

	// Tools lists tool names the instructions refer to
	Tools []string `yaml:"tools"`

	// Disabled keeps a skill on disk without offering it
	Disabled bool `yaml:"disabled"`

	// Body is the markdown instructions after the frontmatter
	Body string `yaml:"-"`

	// FilePath stores where this skill was loaded from
	FilePath string `yaml:"-"`
}

// Validate checks if the skill definition is valid
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	return nil
}

// ParseSkillMD parses a SKILL.md file into a Skill struct.
func ParseSkillMD(data []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	skill.Body = string(bytes.TrimSpace(body))
	return &skill, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
// Windows line endings are normalized first.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, nil, fmt.Errorf("SKILL.md must start with --- (YAML frontmatter)")
	}
	rest := data[4:]

	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, nil, fmt.Errorf("SKILL.md missing closing --- for frontmatter")
	}
	frontmatter = rest[:end]
	body = bytes.TrimPrefix(rest[end+4:], []byte("\n"))
	return frontmatter, body, nil
}
