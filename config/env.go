package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Structs

// Env holds information specific to the
// system where keel is deployed. This
// enables host adaptions without needing
// to maintain two different config files.
// Use the .env file to populate secrets
// within the system.
type Env struct {
	Passwords map[string]string
}

// Functions

// LoadEnv looks for an .env file in the directory
// of keel and reads in all defined values. Account
// passwords are expected as KEEL_PASSWORD_<NAME>,
// with NAME being the upper-cased account name
// from the config file.
func LoadEnv() (*Env, error) {

	// Load environment file.
	err := godotenv.Load(".env")
	if err != nil {
		return nil, fmt.Errorf("failed to read in .env file with: %v", err)
	}

	env := &Env{
		Passwords: make(map[string]string),
	}

	// Fill variables from .env into struct.
	for _, kv := range os.Environ() {

		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}

		if !strings.HasPrefix(parts[0], "KEEL_PASSWORD_") {
			continue
		}

		name := strings.ToLower(strings.TrimPrefix(parts[0], "KEEL_PASSWORD_"))
		env.Passwords[name] = parts[1]
	}

	return env, nil
}

// Password resolves the secret of the given account name.
func (e *Env) Password(name string) (string, bool) {

	password, ok := e.Passwords[strings.ToLower(name)]

	return password, ok
}
