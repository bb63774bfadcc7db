package service_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/bootd/internal/service"

	"github.com/stretchr/testify/require"
)

func TestHumanDuration(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given time.Duration
		then  string
	}{
		{0, "0ms"},
		{250 * time.Millisecond, "250ms"},
		{999 * time.Millisecond, "999ms"},
		{time.Second, "1s"},
		{2 * time.Second, "2s"},
		{2499 * time.Millisecond, "2s"},
		{2500 * time.Millisecond, "3s"},
		{90 * time.Second, "2m"},
		{time.Hour, "1h"},
		{36 * time.Hour, "2d"},
		{-3 * time.Second, "-3s"},
	}

	for _, tc := range testCases {
		t.Run(tc.then, func(t *testing.T) {
			require.Equal(t, tc.then, service.HumanDuration(tc.given))
		})
	}
}
