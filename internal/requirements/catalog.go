// Package requirements holds the catalog of deugdelijkheidseisen, the
// statutory quality requirements schools answer to the Dutch Inspectorate
// of Education. Each requirement carries explanatory material for the
// prompt and a pre-optimized retrieval query for the vector search.
package requirements

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
)

var (
	// ErrRequirementNotFound is returned for unknown requirement IDs.
	ErrRequirementNotFound = errors.New("requirement not found")

	// ErrCatalog indicates the catalog could not be loaded.
	ErrCatalog = errors.New("requirement catalog failure")
)

// Requirement is one deugdelijkheidseis with its support material.
type Requirement struct {
	// ID is the inspectorate code, e.g. "OP1".
	ID string `json:"id"`

	// Title is the short name, e.g. "Aanbod".
	Title string `json:"titel"`

	// Standard is the inspection framework standard the requirement
	// belongs to.
	Standard string `json:"standaard"`

	// Description is the formal requirement text.
	Description string `json:"eisomschrijving"`

	// Explanation restates the requirement in plain language.
	Explanation string `json:"uitleg"`

	// FocusPoints lists what the inspectorate looks at.
	FocusPoints string `json:"focuspunten"`

	// Tips holds practical advice for schools.
	Tips string `json:"tips"`

	// Examples holds anonymized fill-in examples.
	Examples string `json:"voorbeelden"`

	// RetrievalQuery is the search query tuned for this requirement,
	// used instead of the raw description when retrieving evidence.
	RetrievalQuery string `json:"retrieval_query"`
}

// Query returns the text to embed when retrieving evidence for the
// requirement, falling back to the description when no tuned query exists.
func (r Requirement) Query() string {
	if r.RetrievalQuery != "" {
		return r.RetrievalQuery
	}
	return r.Description
}

// Catalog is an immutable, ID-indexed set of requirements.
type Catalog struct {
	byID  map[string]Requirement
	order []string
}

// Load reads a catalog from a JSON file containing an array of
// requirements.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalog, path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.Info("requirement catalog loaded",
		zap.String("path", path),
		zap.Int("requirements", c.Len()),
	)
	return c, nil
}

// Parse builds a catalog from JSON bytes.
func Parse(data []byte) (*Catalog, error) {
	var list []Requirement
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrCatalog, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrCatalog)
	}

	c := &Catalog{byID: make(map[string]Requirement, len(list))}
	for _, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: requirement without ID", ErrCatalog)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate requirement %s", ErrCatalog, r.ID)
		}
		c.byID[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

// Get returns the requirement with the given ID.
func (c *Catalog) Get(id string) (Requirement, error) {
	r, ok := c.byID[id]
	if !ok {
		return Requirement{}, fmt.Errorf("%w: %s", ErrRequirementNotFound, id)
	}
	return r, nil
}

// List returns all requirements in catalog order.
func (c *Catalog) List() []Requirement {
	out := make([]Requirement, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// ByStandard returns the requirements of one framework standard, sorted
// by ID.
func (c *Catalog) ByStandard(standard string) []Requirement {
	var out []Requirement
	for _, r := range c.byID {
		if r.Standard == standard {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of requirements.
func (c *Catalog) Len() int { return len(c.byID) }
