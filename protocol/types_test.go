package protocol

import (
	"errors"
	"testing"
)

func TestSecuredCommandWireForm(t *testing.T) {
	inner := Command{Text: "jdev/sps/io/abc/on", Category: ResponseCategoryMessage, ControlFragment: "abc"}
	secured := NewSecuredCommand(inner, "deadbeef")

	cmd := secured.Command()
	want := "jdev/sps/ios/deadbeef/jdev/sps/io/abc/on"
	if cmd.Text != want {
		t.Errorf("Command().Text = %q, want %q", cmd.Text, want)
	}
	if cmd.Category != inner.Category {
		t.Errorf("Category = %v, want %v (category carries through the wrapper)", cmd.Category, inner.Category)
	}
	if !cmd.SupportsWebSocket {
		t.Error("a secured command must always support the WebSocket transport")
	}
}

func TestEnsureResponse(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		parsed  any
		wantErr bool
	}{
		{"key ok", Command{Category: ResponseCategoryKey}, KeyResponse{PublicKey: "x"}, false},
		{"key mismatch", Command{Category: ResponseCategoryKey}, SaltResponse{}, true},
		{"token ok", Command{Category: ResponseCategoryToken}, TokenResponse{Token: "t"}, false},
		{"visu salt mismatch", Command{Category: ResponseCategoryVisuSalt}, TokenResponse{}, true},
		{"visu auth ok", Command{Category: ResponseCategoryVisuAuth}, VisuAuthResponse{}, false},
		{"message category never checked", Command{Category: ResponseCategoryMessage}, 42, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureResponse(tt.cmd, tt.parsed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrProtocolMismatch) {
				t.Errorf("error = %v, want wrapped ErrProtocolMismatch", err)
			}
		})
	}
}

func TestCombineResponseState(t *testing.T) {
	tests := []struct {
		acc, next, want ResponseState
	}{
		{Ignored, Ignored, Ignored},
		{Ignored, Accepted, Accepted},
		{Accepted, Ignored, Accepted},
		{Accepted, Consumed, Consumed},
		{Consumed, Accepted, Consumed}, // never reached in practice (walk short-circuits) but must not un-consume
	}
	for _, tt := range tests {
		if got := CombineResponseState(tt.acc, tt.next); got != tt.want {
			t.Errorf("CombineResponseState(%v, %v) = %v, want %v", tt.acc, tt.next, got, tt.want)
		}
	}
}

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{CodeOK, nil},
		{CodeNotAuthenticated, ErrNotAuthenticatedYet},
		{CodeAuthFailed, ErrAuthFailed},
		{CodeNotFound, ErrDeviceNotFound},
		{CodeAuthTimeout, ErrAuthTookTooLong},
		{CodeUnauthorizedSecure, ErrUnauthorizedSecure},
	}
	for _, tt := range tests {
		if got := ClassifyCode(tt.code); !errors.Is(got, tt.want) && got != tt.want {
			t.Errorf("ClassifyCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if err := ClassifyCode(999); err == nil {
		t.Error("ClassifyCode(999) should report an error for an unknown code")
	}
}

func TestTokenResponseValidFor(t *testing.T) {
	tok := TokenResponse{ValiditySeconds: 3600}
	if got, want := tok.ValidFor().Seconds(), 3600.0; got != want {
		t.Errorf("ValidFor() = %v seconds, want %v", got, want)
	}
}
