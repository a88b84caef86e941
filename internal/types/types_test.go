package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractionWindow(t *testing.T) {
	day := NewDate(2020, time.February, 23)
	w, err := NewExtractionWindow(day, day)
	require.NoError(t, err)

	tests := []struct {
		name string
		ts   time.Time
		want WindowPosition
	}{
		{"start of day", time.Date(2020, 2, 23, 0, 0, 0, 0, time.UTC), PositionInside},
		{"end of day", time.Date(2020, 2, 23, 23, 59, 59, 0, time.UTC), PositionInside},
		{"next day", time.Date(2020, 2, 24, 0, 0, 0, 0, time.UTC), PositionAbove},
		{"previous day", time.Date(2020, 2, 22, 23, 59, 59, 0, time.UTC), PositionBelow},
		{"offset zone uses UTC date", time.Date(2020, 2, 23, 20, 0, 0, 0, time.FixedZone("EST", -5*3600)), PositionAbove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Position(tt.ts))
		})
	}
}

func TestExtractionWindowValidate(t *testing.T) {
	_, err := NewExtractionWindow(NewDate(2020, 2, 24), NewDate(2020, 2, 23))
	assert.Error(t, err)

	assert.Error(t, ExtractionWindow{}.Validate())
}

func TestYesterdayWindow(t *testing.T) {
	w := YesterdayWindow(time.Date(2020, 3, 1, 0, 30, 0, 0, time.UTC))
	assert.Equal(t, "2020-02-29..2020-02-29", w.String())
}

func TestDateText(t *testing.T) {
	var w ExtractionWindow
	require.NoError(t, json.Unmarshal([]byte(`{"minDate":"2020-02-20","maxDate":"2020-02-23"}`), &w))
	assert.Equal(t, NewDate(2020, 2, 20), w.MinDate)

	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"minDate":"2020-02-20","maxDate":"2020-02-23"}`, string(b))

	_, err = ParseDate("23/02/2020")
	assert.Error(t, err)
}

func TestNormalizeAccount(t *testing.T) {
	assert.Equal(t, Account("ewarren"), NormalizeAccount("  @ewarren "))
}
