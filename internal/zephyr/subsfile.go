package zephyr

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// MePlaceholder in the recipient column stands for the mirrored principal.
const MePlaceholder = "%me%"

// ParseSubs reads one class,instance,recipient triple per line. Blank lines
// and lines starting with # are skipped; missing columns default to "*"
// for the instance and "" for the recipient.
func ParseSubs(r io.Reader, me string) ([]Sub, error) {
	var out []Sub
	seen := map[Sub]bool{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) > 3 {
			return nil, fmt.Errorf("subs line %d: too many fields", line)
		}
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		s := Sub{
			Class:     strings.TrimSpace(parts[0]),
			Instance:  strings.TrimSpace(parts[1]),
			Recipient: strings.TrimSpace(parts[2]),
		}
		if s.Class == "" {
			return nil, fmt.Errorf("subs line %d: empty class", line)
		}
		if s.Instance == "" {
			s.Instance = "*"
		}
		if s.Recipient == MePlaceholder {
			s.Recipient = me
		}
		if s.Recipient == "*" {
			s.Recipient = ""
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSubsFile parses the subs file at path. A missing file yields no subs.
func LoadSubsFile(path, me string) ([]Sub, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSubs(f, me)
}

// Classes returns the distinct classes of subs in file order.
func Classes(subs []Sub) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range subs {
		k := strings.ToLower(s.Class)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s.Class)
	}
	return out
}
