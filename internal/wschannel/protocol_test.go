package wschannel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

func TestErrorMappingRoundTrip(t *testing.T) {
	sentinels := []error{
		signaling.ErrNotFound,
		signaling.ErrConflict,
		signaling.ErrNotAuthorized,
		signaling.ErrTerminal,
		signaling.ErrEmptyIdentity,
		callstate.ErrIllegalTransition,
		callstate.ErrAlreadyTerminal,
		callstate.ErrUnknownStatus,
	}

	for _, sentinel := range sentinels {
		wrapped := fmt.Errorf("%w: extra context", sentinel)
		decoded := DecodeError(EncodeError(wrapped))
		if !errors.Is(decoded, sentinel) {
			t.Errorf("round trip of %v lost the sentinel, got %v", sentinel, decoded)
		}
	}
}

func TestUnknownErrorsStayOpaque(t *testing.T) {
	we := EncodeError(errors.New("disk on fire"))
	if we.Code != CodeInternal {
		t.Errorf("code = %s, want internal", we.Code)
	}
	if err := DecodeError(we); err == nil {
		t.Errorf("decoded error is nil")
	}

	if err := DecodeError(&WireError{Code: "made_up", Message: "m"}); err == nil {
		t.Errorf("unknown code should still decode to an error")
	}
	if DecodeError(nil) != nil {
		t.Errorf("nil wire error should decode to nil")
	}
}
