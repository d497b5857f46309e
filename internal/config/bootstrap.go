package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const settingsHeader = `# provisiond settings.
#
# Every key is optional; omitted keys take the values shown here.
# backend: file | sqlite | badger | memory
# indexes.<kind>.<name>: {property, nonunique, disabled}
`

// ErrSettingsExist is returned by Bootstrap when the file is already there.
var ErrSettingsExist = errors.New("settings file already exists")

// Bootstrap writes the default settings to path for first-run. It refuses
// to overwrite an existing file.
func Bootstrap(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrSettingsExist, path)
	}
	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}

// Marshal renders settings as commented YAML.
func Marshal(s *Settings) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(settingsHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return buf.Bytes(), nil
}
