package safety

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/carepath/internal/acuity"
)

// Group is the set of reference phrases that define one escalation level.
type Group struct {
	Level   acuity.Level `yaml:"level"`
	Phrases []string     `yaml:"phrases"`
}

// Catalog is the fixed emergency reference set plus the red-flag vocabulary
// handed to the dialogue prompt. Groups are checked in order, so the most
// severe level must come first.
type Catalog struct {
	Groups   []Group  `yaml:"levels"`
	RedFlags []string `yaml:"red_flags"`
}

// DefaultCatalog returns the built-in emergency concepts and red flags.
func DefaultCatalog() Catalog {
	return Catalog{
		Groups: []Group{{
			Level: acuity.LevelCall911,
			Phrases: []string{
				"severe chest pain and shortness of breath",
				"heart attack symptoms",
				"cannot breathe",
				"sudden loss of consciousness",
				"suicidal thoughts or intent",
				"paralysis or sudden numbness",
				"severe uncontrolled bleeding",
			},
		}},
		RedFlags: []string{
			"chest pain or pressure",
			"difficulty breathing",
			"fainting or loss of consciousness",
			"sudden confusion",
			"sudden weakness, numbness or drooping face",
			"slurred speech",
			"stiff neck with fever",
			"blue lips or face",
			"severe bleeding",
			"vomiting blood",
			"seizure",
			"thoughts of self-harm",
		},
	}
}

// LoadCatalog reads a YAML catalog file and validates it.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Validate checks that the catalog is usable as a first-match screen. A hit
// bypasses the dialogue, so only urgent_gp and call_911 groups are allowed.
func (c Catalog) Validate() error {
	if len(c.Groups) == 0 {
		return errors.New("catalog has no levels")
	}

	var errs []error
	seen := make(map[acuity.Level]bool, len(c.Groups))
	for i, g := range c.Groups {
		if !g.Level.Valid() {
			errs = append(errs, fmt.Errorf("group %d: unknown level %q", i, g.Level))
			continue
		}
		if g.Level != acuity.LevelUrgentGP && g.Level != acuity.LevelCall911 {
			errs = append(errs, fmt.Errorf("group %d: level %q is not an emergency level", i, g.Level))
			continue
		}
		if seen[g.Level] {
			errs = append(errs, fmt.Errorf("group %d: duplicate level %q", i, g.Level))
		}
		seen[g.Level] = true

		if i > 0 && g.Level.Rank() > c.Groups[i-1].Level.Rank() {
			errs = append(errs, fmt.Errorf("group %d: level %q is more severe than preceding %q", i, g.Level, c.Groups[i-1].Level))
		}
		if len(g.Phrases) == 0 {
			errs = append(errs, fmt.Errorf("group %d (%s): no phrases", i, g.Level))
		}
		for j, p := range g.Phrases {
			if strings.TrimSpace(p) == "" {
				errs = append(errs, fmt.Errorf("group %d (%s): phrase %d is empty", i, g.Level, j))
			}
		}
	}
	return errors.Join(errs...)
}
