package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Hard limits on shell commands. No role or setting lifts them.

var privilegeRe = regexp.MustCompile(`(^|[;&|]\s*|\$\(\s*|` + "`" + `\s*)(sudo|su|doas)(\s|$)`)

var rootWipeRe = regexp.MustCompile(`\brm\s+(-[a-z]*\s+)*(--no-preserve-root\s+)?(-[a-z]*\s+)*(/|/\*)(\s|;|&|$)`)

var diskCommands = []string{"mkfs", "fdisk", "gdisk", "sfdisk", "cfdisk", "sgdisk", "parted", "wipefs", "partprobe"}

var protectedPrefixes = []string{"/bin", "/boot", "/etc", "/lib", "/lib64", "/proc", "/sbin", "/sys", "/usr", "/var/lib", "/System", "/Library"}

// checkCommand returns an error when cmd must not run
func checkCommand(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	lower := strings.ToLower(cmd)

	if privilegeRe.MatchString(lower) {
		return errors.New("blocked: commands may not elevate privileges (sudo, su, doas)")
	}
	if rootWipeRe.MatchString(lower) {
		return errors.New("blocked: deleting the root filesystem is not allowed")
	}
	if strings.Contains(lower, ":(){") && strings.Contains(lower, ":|:") {
		return errors.New("blocked: fork bomb")
	}
	if strings.Contains(lower, "dd ") && strings.Contains(lower, "of=/dev/") {
		return errors.New("blocked: dd to a device")
	}
	for _, field := range strings.FieldsFunc(lower, func(r rune) bool { return r == ' ' || r == ';' || r == '&' || r == '|' }) {
		base := filepath.Base(field)
		for _, d := range diskCommands {
			if base == d || strings.HasPrefix(base, d+".") {
				return fmt.Errorf("blocked: %s modifies disks or partitions", d)
			}
		}
	}
	if i := strings.Index(lower, ">"); i >= 0 {
		target := strings.TrimSpace(strings.TrimLeft(lower[i:], ">"))
		if strings.HasPrefix(target, "/dev/") &&
			!strings.HasPrefix(target, "/dev/null") &&
			!strings.HasPrefix(target, "/dev/stdout") &&
			!strings.HasPrefix(target, "/dev/stderr") {
			return errors.New("blocked: writing to device files")
		}
	}
	if strings.HasPrefix(lower, "rm ") || strings.HasPrefix(lower, "chmod ") || strings.HasPrefix(lower, "chown ") {
		for _, arg := range strings.Fields(cmd)[1:] {
			if strings.HasPrefix(arg, "-") || !strings.HasPrefix(arg, "/") {
				continue
			}
			if isProtectedPath(arg) {
				return fmt.Errorf("blocked: %q is a system path", arg)
			}
		}
	}
	return nil
}

func isProtectedPath(p string) bool {
	p = filepath.Clean(p)
	for _, prefix := range protectedPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// confine resolves p against root and fails if the result, after symlink
// resolution, would leave root.
func confine(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	// resolve the deepest existing ancestor so a symlink cannot point out
	check := target
	for {
		if resolved, err := filepath.EvalSymlinks(check); err == nil {
			rest, _ := filepath.Rel(check, target)
			target = filepath.Join(resolved, rest)
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return target, nil
}
