package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type printer struct {
	json bool
}

// value prints a response: indented JSON with --json, key: value lines
// otherwise.
func (p *printer) value(v map[string]any) {
	if p.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		}
		return
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := v[k].(type) {
		case map[string]any:
			fmt.Printf("%s:\n", k)
			printIndented(val, "  ")
		default:
			fmt.Printf("%s: %v\n", k, val)
		}
	}
}

func printIndented(v map[string]any, indent string) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s%s: %v\n", indent, k, v[k])
	}
}
