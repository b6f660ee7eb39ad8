package stores

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	metaFile    = "_meta"
	sumsFile    = "_sums"
	currentFile = "_current"
	lockFile    = ".lock"
	storeDir    = "store"
	cfgDir      = "cfg"
	refDir      = "ref"
	stagePrefix = ".stage-"
)

// encodeMeta renders the metadata record of r.
func encodeMeta(r *Revision) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "name: %s\n", r.Name)
	fmt.Fprintf(&b, "timestamp: %d\n", r.Timestamp)
	fmt.Fprintf(&b, "cfg_files: %s\n", strings.Join(r.CfgFiles, ","))
	fmt.Fprintf(&b, "ref_files: %s\n", strings.Join(r.RefFiles, ","))
	return b.Bytes()
}

// decodeMeta parses a metadata record. Unknown keys are ignored; a missing
// timestamp or a line without a key is an error.
func decodeMeta(data []byte) (*Revision, error) {
	r := &Revision{}
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed meta line %q", line)
		}
		value = strings.TrimPrefix(value, " ")
		seen[key] = true

		switch key {
		case "name":
			r.Name = value
		case "timestamp":
			ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed timestamp %q: %w", value, err)
			}
			r.Timestamp = ts
		case "cfg_files":
			r.CfgFiles = splitList(value)
		case "ref_files":
			r.RefFiles = splitList(value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !seen["timestamp"] {
		return nil, fmt.Errorf("meta has no timestamp")
	}
	return r, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
