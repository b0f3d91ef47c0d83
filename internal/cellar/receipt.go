package cellar

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ReceiptFile is written into the prefix after a successful install.
const ReceiptFile = "INSTALL_RECEIPT.yaml"

// Receipt records how a prefix was produced.
type Receipt struct {
	Formula       string          `yaml:"formula"`
	Version       string          `yaml:"version"`
	Invocation    string          `yaml:"invocation"`
	InstalledAt   time.Time       `yaml:"installed_at"`
	CellarVersion string          `yaml:"cellar_version"`
	Options       []string        `yaml:"options"`
	Platform      PlatformInfo    `yaml:"platform"`
	Args          BuildArgs       `yaml:"build_args"`
	Patches       []string        `yaml:"patches,omitempty"`
	Sources       []ReceiptSource `yaml:"sources"`
}

// ReceiptSource is one verified resource that went into the install.
type ReceiptSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Hash string `yaml:"hash"`
}

// WriteReceipt stores r in prefix, replacing any previous receipt
// atomically.
func WriteReceipt(prefix string, r *Receipt) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	tmp, err := writeTemp(prefix, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write receipt: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(prefix, ReceiptFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write receipt: %w", err)
	}
	return nil
}

// ReadReceipt loads the receipt from prefix.
func ReadReceipt(prefix string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(prefix, ReceiptFile))
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid receipt: %w", err)
	}
	return &r, nil
}
