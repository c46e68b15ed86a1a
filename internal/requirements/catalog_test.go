package requirements

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const catalogJSON = `[
  {
    "id": "OP1",
    "titel": "Aanbod",
    "standaard": "Onderwijsproces",
    "eisomschrijving": "Het aanbod bereidt de leerlingen voor op vervolgonderwijs en samenleving.",
    "uitleg": "De school biedt een breed en eigentijds aanbod.",
    "focuspunten": "- doorlopende leerlijn\n- referentieniveaus",
    "tips": "Beschrijf het aanbod per leerjaar.",
    "voorbeelden": "Wij werken met een doorlopende leerlijn taal.",
    "retrieval_query": "onderwijsaanbod doorlopende leerlijn taal rekenen burgerschap"
  },
  {
    "id": "VS1",
    "titel": "Veiligheid",
    "standaard": "Veiligheid en schoolklimaat",
    "eisomschrijving": "De school zorgt voor een veilige omgeving voor leerlingen.",
    "uitleg": "",
    "focuspunten": "",
    "tips": "",
    "voorbeelden": "",
    "retrieval_query": ""
  }
]`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	r, err := c.Get("OP1")
	require.NoError(t, err)
	assert.Equal(t, "Aanbod", r.Title)
	assert.Equal(t, "Onderwijsproces", r.Standard)
	assert.Contains(t, r.FocusPoints, "doorlopende leerlijn")
}

func TestGet_Unknown(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	require.NoError(t, err)

	_, err = c.Get("XX9")
	assert.ErrorIs(t, err, ErrRequirementNotFound)
}

func TestQuery_FallsBackToDescription(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	require.NoError(t, err)

	op1, _ := c.Get("OP1")
	assert.Equal(t, "onderwijsaanbod doorlopende leerlijn taal rekenen burgerschap", op1.Query())

	vs1, _ := c.Get("VS1")
	assert.Equal(t, vs1.Description, vs1.Query())
}

func TestList_PreservesOrder(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "OP1", list[0].ID)
	assert.Equal(t, "VS1", list[1].ID)
}

func TestByStandard(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	require.NoError(t, err)

	got := c.ByStandard("Onderwijsproces")
	require.Len(t, got, 1)
	assert.Equal(t, "OP1", got[0].ID)

	assert.Empty(t, c.ByStandard("Bestuur"))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.ErrorIs(t, err, ErrCatalog)

	_, err = Parse([]byte("[]"))
	assert.ErrorIs(t, err, ErrCatalog)

	_, err = Parse([]byte(`[{"titel":"zonder id"}]`))
	assert.ErrorIs(t, err, ErrCatalog)

	_, err = Parse([]byte(`[{"id":"OP1"},{"id":"OP1"}]`))
	assert.ErrorIs(t, err, ErrCatalog)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eisen.json")
	require.NoError(t, os.WriteFile(path, []byte(catalogJSON), 0o644))

	c, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	assert.ErrorIs(t, err, ErrCatalog)
}
