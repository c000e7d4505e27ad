package config

import (
	"os"
	"strconv"
	"time"
)

// ResolveEnvString, ResolveEnvInt, ResolveEnvBool, and ResolveEnvDuration
// look up an env var and fall back to a caller-supplied default when it
// is unset or empty.

func ResolveEnvString(name, defaultValue string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return defaultValue
}

func ResolveEnvInt(name string, defaultValue int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func ResolveEnvBool(name string, defaultValue bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(v)
}

func ResolveEnvDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}
