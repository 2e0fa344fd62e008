package utils

import (
	"os"
	"time"
)

// GetEnv returns the value of the environment variable with the given name,
// or def if the variable is unset or empty.
func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	}

	return def
}

// DivideWork divides the work of performing n tasks between m workers.
//
// DivideWork returns an array of length m, where arr[i] is the number of tasks
// that should be performed by worker i.
func DivideWork(n, m int) []int {
	result := make([]int, m)

	base := n / m
	remainder := n % m

	for i := 0; i < m; i++ {
		result[i] = base

		// Distribute the remainder evenly amongst the workers.
		if i < remainder {
			result[i]++
		}
	}

	return result
}

// TimeSinceOrZero returns time.Since(t), or zero if t is the zero time.
func TimeSinceOrZero(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}

	return time.Since(t)
}
