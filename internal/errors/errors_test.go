package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var sentinels = map[string]error{
	"not connected":                      ErrNotConnected,
	"re-authentication required":         ErrReauthRequired,
	"unable to connect":                  ErrUnableToConnect,
	"authentication failed":              ErrAuthFailed,
	"engine stopped":                     ErrEngineStopped,
	"compaction already in progress":     ErrCompactionInFlight,
	"malformed message":                  ErrMalformedMessage,
	"message missing type discriminator": ErrMissingType,
}

func TestSentinels_Messages(t *testing.T) {
	for want, err := range sentinels {
		assert.Equal(t, want, err.Error())
	}
}

func TestSentinels_MatchOnlyThemselves(t *testing.T) {
	for name, err := range sentinels {
		for other, target := range sentinels {
			if name == other {
				continue
			}

			assert.False(t, errors.Is(err, target), "%q must not match %q", name, other)
		}
	}
}

func TestSentinels_MatchThroughWrapping(t *testing.T) {
	for _, err := range sentinels {
		wrapped := fmt.Errorf("dial backend: %w", fmt.Errorf("handshake: %w", err))
		assert.ErrorIs(t, wrapped, err)
	}
}
