package main

import (
	"strings"
	"testing"
)

func TestLoadConfigRequiresBookingAndSession(test *testing.T) {
	testCases := []struct {
		name    string
		flags   map[string]string
		wantErr string
	}{
		{name: "missing token", flags: map[string]string{flagBookingID: "booking-1", flagRoomProviderURL: "https://rooms.test"}, wantErr: flagSessionToken},
		{name: "missing booking", flags: map[string]string{flagSessionToken: "token", flagRoomProviderURL: "https://rooms.test"}, wantErr: flagBookingID},
		{name: "missing room provider", flags: map[string]string{flagSessionToken: "token", flagBookingID: "booking-1"}, wantErr: flagRoomProviderURL},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Setenv("CALLAGENT_SESSION_TOKEN", "")
			test.Setenv("CALLAGENT_BOOKING_ID", "")
			test.Setenv("CALLAGENT_ROOM_PROVIDER_URL", "")
			cmd := newRootCommand()
			for name, value := range testCase.flags {
				if err := cmd.Flags().Set(name, value); err != nil {
					test.Fatalf("set %s: %v", name, err)
				}
			}
			cfg := agentConfig{}
			err := loadConfig(cmd, &cfg)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				test.Fatalf("expected error mentioning %s, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadConfigReadsEnvironment(test *testing.T) {
	test.Setenv("CALLAGENT_SESSION_TOKEN", "env-token")
	test.Setenv("CALLAGENT_BOOKING_ID", "booking-7")
	test.Setenv("CALLAGENT_ROOM_PROVIDER_URL", "https://rooms.test")
	cmd := newRootCommand()
	cfg := agentConfig{}
	if err := loadConfig(cmd, &cfg); err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.SessionToken != "env-token" || cfg.BookingID != "booking-7" || cfg.APIURL != defaultAPIURL || cfg.CookieName != defaultCookieName {
		test.Fatalf("unexpected config: %+v", cfg)
	}
}
