package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NewLogger(t *testing.T) {
	testCases := []struct {
		name          string
		loglevel      string
		logformat     string
		expectedError error
	}{
		{
			name:          "text logger",
			loglevel:      "INFO",
			logformat:     "text",
			expectedError: nil,
		},
		{
			name:          "json logger",
			loglevel:      "INFO",
			logformat:     "json",
			expectedError: nil,
		},
		{
			name:          "tint logger",
			loglevel:      "WARN",
			logformat:     "tint",
			expectedError: nil,
		},
		{
			name:          "lowercase level",
			loglevel:      "debug",
			logformat:     "text",
			expectedError: nil,
		},
		{
			name:          "invalid log format",
			loglevel:      "INFO",
			logformat:     "invalid format",
			expectedError: ErrInvalidLogFormat,
		},
		{
			name:          "invalid log level",
			loglevel:      "INVALID_LEVEL",
			logformat:     "text",
			expectedError: ErrInvalidLogLevel,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// when
			sut, err := NewLogger(tc.loglevel, tc.logformat)

			// then
			assert.ErrorIs(t, err, tc.expectedError)
			if tc.expectedError == nil {
				assert.Equal(t, true, sut.Enabled(context.Background(), slog.LevelWarn))
			}
		})
	}
}
