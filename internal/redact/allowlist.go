package redact

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist contains patterns that are known-safe and excluded from
// secret detection. Support transcripts routinely contain order IDs and
// internal ticket tokens that trip generic entropy rules.
type Allowlist struct {
	Regexes   []string // Content regex patterns to ignore
	StopWords []string // Literal substrings to ignore
}

// LoadAllowlist loads an allowlist TOML file. A missing file or an
// empty path returns (nil, nil); invalid TOML or regex patterns return
// errors.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var config struct {
		Allowlist struct {
			Regexes   []string
			StopWords []string
		}
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range config.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid pattern '%s' in %s: %v",
				ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Regexes:   config.Allowlist.Regexes,
		StopWords: config.Allowlist.StopWords,
	}, nil
}
