package config_test

import (
	"testing"

	"github.com/keelmail/keel/config"
)

// Functions

// TestLoadEnv executes a black-box test on the
// implemented functionalities to load a .env file.
func TestLoadEnv(t *testing.T) {

	// Execute main function.
	env, err := config.LoadEnv()
	if err != nil {
		t.Fatalf("Expected success while loading .env but received: '%s'\n", err.Error())
	}

	// Check for test success.
	password, found := env.Password("work")
	if !found {
		t.Fatal("Expected a password for account 'work' but none is set.")
	}

	if password != "works" {
		t.Fatalf("Expected '%s' but received '%s'\n", "works", password)
	}

	// Account names resolve case-insensitively.
	if _, found := env.Password("WORK"); !found {
		t.Fatal("Expected account name lookup to ignore case but it did not.")
	}
}
