package policy

// DefaultDenyPatterns is the engine-shipped denylist of destructive base
// commands. Hosts inherit it when they have no override, and it is merged
// into (never replaced by) any configured denylist. The list matches base
// command names, not full command lines.
var DefaultDenyPatterns = []string{
	"mkfs*",
	"dd",
	"shred",
	"wipefs",
	"blkdiscard",
	"fdisk",
	"sfdisk",
	"parted",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
}

// mergeDeny returns configured ∪ sentinel, preserving configured order and
// skipping duplicates.
func mergeDeny(configured, sentinel []string) []string {
	seen := make(map[string]struct{}, len(configured)+len(sentinel))
	merged := make([]string, 0, len(configured)+len(sentinel))
	for _, p := range configured {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	for _, p := range sentinel {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	return merged
}
