package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/pathutil"
)

// ReadFile reads path, or stdin when path is "-".
func ReadFile(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}

	clean, err := pathutil.Clean(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(clean) //nolint:gosec // Path is validated above
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// ReadFinding decodes a finding from a JSON file or stdin.
func ReadFinding(path string, stdin io.Reader) (models.Finding, error) {
	data, err := ReadFile(path, stdin)
	if err != nil {
		return models.Finding{}, err
	}
	var finding models.Finding
	if err := json.Unmarshal(data, &finding); err != nil {
		return models.Finding{}, fmt.Errorf("parsing finding JSON: %w", err)
	}
	return finding, nil
}

// ReadRuleBody loads a rule script. A ".tengo" extension sets the language
// when none is given explicitly.
func ReadRuleBody(path, language string, stdin io.Reader) (models.RuleBody, error) {
	data, err := ReadFile(path, stdin)
	if err != nil {
		return models.RuleBody{}, err
	}
	if language == "" && strings.EqualFold(filepath.Ext(path), ".tengo") {
		language = "tengo"
	}
	return models.RuleBody{Language: language, Source: string(data)}, nil
}
