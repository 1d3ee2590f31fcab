package policy

import (
	"reflect"
	"testing"
)

func TestParseCommands(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"simple", "ls -la", []string{"ls"}},
		{"pipeline and chain", " ls -la | grep foo && rm -rf /", []string{"ls", "grep", "rm"}},
		{"or chain", "make || echo failed", []string{"make", "echo"}},
		{"semicolons", "cd /tmp; ls; pwd", []string{"cd", "ls", "pwd"}},
		{"absolute path basename", "/usr/local/bin/python3 -m http.server", []string{"python3"}},
		{"relative path basename", "./scripts/deploy.sh --env prod", []string{"deploy.sh"}},
		{"env assignment stripped", "FOO=bar ls", []string{"ls"}},
		{"multiple env assignments", "FOO=bar BAZ=qux tar czf x.tgz .", []string{"tar"}},
		{"bare assignment no command", "FOO=bar", nil},
		{"sudo stripped", "sudo systemctl restart nginx", []string{"systemctl"}},
		{"sudo only once", "sudo sudo rm -rf /", []string{"sudo"}},
		{"env then sudo", "FOO=bar sudo dd if=/dev/zero", []string{"dd"}},
		{"empty", "", nil},
		{"whitespace only", "   \t  ", nil},
		{"empty segments dropped", "ls ;; pwd", []string{"ls", "pwd"}},
		{"tabs as separators", "ls\t-la", []string{"ls"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommands(tt.line)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommands(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"rm", "rm", true},
		{"rm", "rmdir", false},
		{"rm*", "rmdir", true},
		{"mkfs*", "mkfs.ext4", true},
		{"mkfs*", "mkfs", true},
		{"?d", "dd", true},
		{"?d", "d", false},
		{"*", "anything", true},
		{"*", "", true},
		{"RM", "rm", true},
		{"rm", "RM", true},
		{"g?t", "git", true},
		{"g?t", "gnuplot", false},
		{"*sh", "bash", true},
		{"*sh", "shred", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "acb", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
