// Package config loads the YAML configuration files of the commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp/logger"
)

// Logging configures the go-logging backends of a command.
type Logging struct {
	Level string `yaml:"level"`
	// File additionally logs into a daily rotated file.
	File string `yaml:"file"`
}

func (l Logging) Init() error {
	level := l.Level
	if level == "" {
		level = "INFO"
	}
	return logger.InitLog(l.File, level)
}

// Load decodes the YAML file at path into out. Unknown fields are errors.
// If optional is set, a missing file leaves out untouched.
func Load(path string, optional bool, out any) error {
	b, err := os.ReadFile(path)
	if optional && errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Print writes v as YAML under a title.
func Print(w io.Writer, title string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s:\n%s\n", title, b)
	return err
}

// ParseQueues parses a comma separated list of queue ids and ranges such
// as "0,2-5". An empty string returns nil, which selects all queues.
func ParseQueues(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return nil, nil
	}
	var ids []uint32
	seen := make(map[uint32]bool)
	for part := range strings.SplitSeq(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing queue %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 32); err != nil {
				return nil, fmt.Errorf("parsing queue range %q: %w", part, err)
			}
			if last < first {
				return nil, fmt.Errorf("empty queue range %q", part)
			}
		}
		for q := first; q <= last; q++ {
			if !seen[uint32(q)] {
				seen[uint32(q)] = true
				ids = append(ids, uint32(q))
			}
		}
	}
	return ids, nil
}
