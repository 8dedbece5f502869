package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

var lahoreCA2024 = harvest.SearchParams{Registry: "L", CaseType: "1", Year: "2024"}

func TestWindowedPagerWithEllipsis(t *testing.T) {
	t.Parallel()

	src := NewSource()
	fx := Generate("C.A.", 2024, 12, 2)
	fx.Window = 10
	src.Add(lahoreCA2024, fx)
	d := New(src)
	ctx := context.Background()

	page, err := d.SubmitSearch(ctx, lahoreCA2024)
	require.NoError(t, err)
	require.Equal(t, 1, page.Index)

	c, err := d.Controls(ctx, page)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9, 10}, c.Pages)
	require.True(t, c.Forward)

	page, err = d.Advance(ctx, page, harvest.Target{Kind: harvest.TargetPage, Page: 10})
	require.NoError(t, err)
	page, err = d.Advance(ctx, page, harvest.Target{Kind: harvest.TargetEllipsis})
	require.NoError(t, err)
	require.Equal(t, 11, page.Index)

	c, err = d.Controls(ctx, page)
	require.NoError(t, err)
	require.Equal(t, []int{12}, c.Pages)
	require.False(t, c.Forward)

	recs, err := d.ReadRecords(ctx, page)
	require.NoError(t, err)
	require.Equal(t, "C.A. 21/2024", recs[0][harvest.FieldCaseNo])
	require.Equal(t, []int{1, 10, 11}, d.Visits())

	_, err = d.Advance(ctx, page, harvest.Target{Kind: harvest.TargetPage, Page: 3})
	require.Error(t, err)
}

func TestSubmitSignals(t *testing.T) {
	t.Parallel()

	src := NewSource()
	src.Add(lahoreCA2024, &Fixture{Validation: "Please select case type"})
	d := New(src)

	page, err := d.SubmitSearch(context.Background(), lahoreCA2024)
	require.NoError(t, err)
	require.Equal(t, harvest.SignalValidation, page.Signal)

	page, err = d.SubmitSearch(context.Background(), harvest.SearchParams{Registry: "K", CaseType: "1", Year: "2024"})
	require.NoError(t, err)
	require.Equal(t, harvest.SignalEmpty, page.Signal)
}

func TestCrashClosesSession(t *testing.T) {
	t.Parallel()

	src := NewSource()
	fx := Generate("C.A.", 2024, 3, 1)
	fx.CrashAdvance = map[int]int{2: 1}
	src.Add(lahoreCA2024, fx)
	f := &Factory{Source: src}

	drv, err := f.NewSession(context.Background(), 1)
	require.NoError(t, err)
	page, err := drv.SubmitSearch(context.Background(), lahoreCA2024)
	require.NoError(t, err)
	_, err = drv.Advance(context.Background(), page, harvest.Target{Kind: harvest.TargetPage, Page: 2})
	require.ErrorIs(t, err, harvest.ErrSessionLost)

	_, err = drv.ReadRecords(context.Background(), page)
	require.ErrorIs(t, err, harvest.ErrSessionLost)
	require.NoError(t, drv.Close())
	require.Equal(t, 1, f.Opened())
	require.Equal(t, 1, f.Closed())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "searches": [
    {"registry": "Lahore", "case_type": "C.A.", "year": 2024, "window": 5,
     "generate": {"pages": 7, "per_page": 3}},
    {"registry": "K", "case_type": "9", "year": 2023,
     "pages": [[{"case_no": "Crl.Sh.P. 1/2023", "case_title": "A v. B"}]]},
    {"registry": "Q", "case_type": "2", "year": 2022, "validation": "Invalid year"}
  ]
}`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)

	fx := src.lookup(lahoreCA2024)
	require.NotNil(t, fx)
	require.Len(t, fx.Pages, 7)
	require.Equal(t, 5, fx.Window)
	require.Equal(t, "C.A. 1/2024", fx.Pages[0][0][harvest.FieldCaseNo])

	fx = src.lookup(harvest.SearchParams{Registry: "K", CaseType: "9", Year: "2023"})
	require.NotNil(t, fx)
	require.Equal(t, "A v. B", fx.Pages[0][0][harvest.FieldCaseTitle])

	fx = src.lookup(harvest.SearchParams{Registry: "Q", CaseType: "2", Year: "2022"})
	require.NotNil(t, fx)
	require.Equal(t, "Invalid year", fx.Validation)
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"syntax":    `{"searches": [`,
		"registry":  `{"searches": [{"registry": "X", "case_type": "1", "year": 2024}]}`,
		"case type": `{"searches": [{"registry": "L", "case_type": "Z", "year": 2024}]}`,
		"year":      `{"searches": [{"registry": "L", "case_type": "1"}]}`,
		"generate":  `{"searches": [{"registry": "L", "case_type": "1", "year": 2024, "generate": {"pages": 2}}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "fixtures.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFile(path)
			require.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
