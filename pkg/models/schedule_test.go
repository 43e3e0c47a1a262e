package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cron    string
		wantErr bool
	}{
		{"every five minutes", "*/5 * * * *", false},
		{"nightly", "0 2 * * *", false},
		{"weekday mornings", "30 8 * * 1-5", false},
		{"empty", "", true},
		{"gibberish", "not a cron", true},
		{"too many fields", "* * * * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Schedule{Cron: tt.cron}).Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedule_Next(t *testing.T) {
	schedule := &Schedule{Cron: "0 2 * * *"}
	after := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)

	next, err := schedule.Next(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC), next)

	following, err := schedule.Next(next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC), following)
}

func TestSchedule_Next_InvalidExpression(t *testing.T) {
	_, err := (&Schedule{Cron: "bad"}).Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}
