package platform

import (
	"os"
	"strconv"
	"time"
)

// GetEnv returns the variable when it is set, even to an empty string.
func GetEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

// GetEnvInt, GetEnvBool and GetEnvDuration fall back to the default when the
// variable is unset or does not parse.
func GetEnvInt(key string, defaultVal int) int {
	return lookup(key, defaultVal, strconv.Atoi)
}

func GetEnvBool(key string, defaultVal bool) bool {
	return lookup(key, defaultVal, strconv.ParseBool)
}

func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	return lookup(key, defaultVal, time.ParseDuration)
}

// GetEnvFirst returns the first non-empty variable among keys.
func GetEnvFirst(defaultVal string, keys ...string) string {
	for _, k := range keys {
		if val := os.Getenv(k); val != "" {
			return val
		}
	}
	return defaultVal
}

func lookup[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	v, err := parse(val)
	if err != nil {
		return defaultVal
	}
	return v
}
