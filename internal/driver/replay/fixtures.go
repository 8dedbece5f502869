package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// fixtureFile is the on-disk form of a replay Source.
type fixtureFile struct {
	Searches []searchFixture `json:"searches"`
}

type searchFixture struct {
	Registry string `json:"registry"`
	CaseType string `json:"case_type"`
	Year     int    `json:"year"`

	Pages      [][]harvest.RawRecord `json:"pages,omitempty"`
	Window     int                   `json:"window,omitempty"`
	ShowTotal  bool                  `json:"show_total,omitempty"`
	NextOnly   bool                  `json:"next_only,omitempty"`
	Validation string                `json:"validation,omitempty"`

	// Generate synthesizes pages instead of listing them.
	Generate *struct {
		Prefix  string `json:"prefix"`
		Pages   int    `json:"pages"`
		PerPage int    `json:"per_page"`
	} `json:"generate,omitempty"`
}

// LoadFile reads a JSON fixture file into a Source. Registry and case type
// accept the same spellings as the configuration scope.
func LoadFile(path string) (*Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var file fixtureFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	src := NewSource()
	for i, sf := range file.Searches {
		reg, err := harvest.ParseRegistry(sf.Registry)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
		ct, err := harvest.ParseCaseType(sf.CaseType)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
		if sf.Year <= 0 {
			return nil, fmt.Errorf("fixture %d: year is required", i)
		}
		fx := &Fixture{
			Pages:      sf.Pages,
			Window:     sf.Window,
			ShowTotal:  sf.ShowTotal,
			NextOnly:   sf.NextOnly,
			Validation: sf.Validation,
		}
		if g := sf.Generate; g != nil {
			if g.Pages < 0 || g.PerPage < 1 {
				return nil, fmt.Errorf("fixture %d: generate needs pages >= 0 and per_page >= 1", i)
			}
			prefix := g.Prefix
			if prefix == "" {
				prefix = ct.Text
			}
			fx.Pages = Generate(prefix, sf.Year, g.Pages, g.PerPage).Pages
		}
		src.Add(harvest.SearchParams{
			Registry: string(reg),
			CaseType: ct.Value,
			Year:     strconv.Itoa(sf.Year),
		}, fx)
	}
	return src, nil
}
