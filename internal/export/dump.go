package export

import (
	"github.com/goccy/go-json"

	"stridemap/internal/fsutil"
)

// DumpJSON writes v as indented JSON, for inspecting provider payloads.
func DumpJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
