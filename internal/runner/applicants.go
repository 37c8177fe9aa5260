package runner

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polzovatel/residence-form-bot/internal/section"
)

var ErrNoApplicants = errors.New("no applicants")

type applicantFile struct {
	Applicants []section.Applicant `yaml:"applicants"`
}

// LoadApplicants reads a YAML document with a top-level "applicants" list.
func LoadApplicants(path string) ([]section.Applicant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read applicants: %w", err)
	}
	var f applicantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse applicants: %w", err)
	}
	if len(f.Applicants) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoApplicants)
	}
	return f.Applicants, nil
}
