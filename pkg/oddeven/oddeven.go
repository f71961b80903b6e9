// Package oddeven generates a random number and classifies its parity.
package oddeven

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

const (
	Min = 0
	Max = 1000

	Odd  = "odd"
	Even = "even"
)

// Generate returns a number in [Min, Max], both ends included.
func Generate(rnd *rand.Rand) int {
	if rnd == nil {
		return Min + rand.Intn(Max-Min+1)
	}
	return Min + rnd.Intn(Max-Min+1)
}

func Classify(n int) string {
	if n%2 == 0 {
		return Even
	}
	return Odd
}

// ClassifyString classifies a number handed over as text.
func ClassifyString(s string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("not a number: %q", s)
	}
	return Classify(n), nil
}
