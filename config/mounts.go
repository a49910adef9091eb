package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/rawserve/core/static"
)

// mountFile is the JSON layout of a mount file. Either a bare array of
// mounts or an object with a "mounts" array is accepted.
type mountFile struct {
	Mounts []static.Mount `json:"mounts"`
}

// LoadMounts loads static mounts from a JSON file:
//
//	[{"url_path": "assets", "server_file_path": "./public", "show_whole_directory": true}]
func LoadMounts(filename string) ([]static.Mount, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mount file")
	}

	var mounts []static.Mount
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &mounts)
	} else {
		var f mountFile
		err = json.Unmarshal(data, &f)
		mounts = f.Mounts
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse mount file %s", filename)
	}

	for i, m := range mounts {
		if m.ServerFilePath == "" {
			return nil, errors.Newf("mount %d in %s has no server_file_path", i, filename)
		}
		mounts[i].URLPath = strings.Trim(m.URLPath, "/")
	}
	return mounts, nil
}

// SaveMounts writes mounts to filename in the layout LoadMounts reads.
func SaveMounts(filename string, mounts []static.Mount) error {
	data, err := json.MarshalIndent(mountFile{Mounts: mounts}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal mounts")
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write mount file")
	}
	return nil
}
