package oracle

import "context"

// FakeOracle is a fixed-rate Oracle for tests.
type FakeOracle struct {
	Rates map[string]float64
}

// NewFakeOracle returns a FakeOracle seeded with rates.
func NewFakeOracle(rates map[string]float64) *FakeOracle {
	return &FakeOracle{Rates: rates}
}

// SatsPerUnit implements Oracle.
func (f *FakeOracle) SatsPerUnit(ctx context.Context, fiatCode string) (float64, error) {
	rate, ok := f.Rates[fiatCode]
	if !ok {
		return 0, errUnknownFiat(fiatCode)
	}
	return rate, nil
}

type errUnknownFiat string

func (e errUnknownFiat) Error() string {
	return "no rate configured for " + string(e)
}
