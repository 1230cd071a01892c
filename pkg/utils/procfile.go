package utils

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseProcfile 解析 Procfile（每行 "name: command"，恰好是 YAML 映射的子集）
func ParseProcfile(content string) (map[string]string, error) {
	procs := map[string]string{}
	if strings.TrimSpace(content) == "" {
		return procs, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("invalid Procfile: %w", err)
	}
	for name, cmd := range raw {
		name = strings.TrimSpace(name)
		if !IsDNS1123Label(name) {
			return nil, fmt.Errorf("invalid process name %q", name)
		}
		s, ok := cmd.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("process %q must have a non-empty command", name)
		}
		procs[name] = strings.TrimSpace(s)
	}
	return procs, nil
}
