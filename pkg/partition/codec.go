package partition

import (
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
)

// Encode renders the plan as the partition description file.
func (p *Plan) Encode() ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(p, "", "  ")
}

// WriteFile encodes the plan into path.
func (p *Plan) WriteFile(path string) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Decode parses a partition description file.
func Decode(data []byte) (*Plan, error) {
	var p Plan
	if err := sonic.ConfigStd.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding partition plan: %w", err)
	}
	if p.Workers == 0 {
		p.Workers = len(p.Partitions)
	}
	return &p, nil
}

// Read decodes a plan from r.
func Read(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ReadFile decodes a plan from path.
func ReadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
