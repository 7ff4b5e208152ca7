// Package batchid mints procurement batch identifiers: 14 base-62 characters,
// a time-derived prefix followed by a 4 character random suffix.
//
// The prefix encodes nanoseconds since 2014-01-01T00:00:00Z, so identifiers
// minted by one process sort chronologically. The suffix separates
// identifiers minted within the same tick by different processes.
package batchid

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Size is the length of every generated identifier.
	Size = 14

	suffixLen   = 4
	randomCeil  = int64(9999999999999)
	maxAttempts = 8
)

// Epoch is the zero point of the time-derived prefix.
var Epoch = time.Date(2014, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrClockOutOfRange is returned when the clock yields a timestamp whose
// encoding cannot produce a Size-character identifier.
var ErrClockOutOfRange = errors.New("batchid: clock out of encodable range")

// Generator produces identifiers. The zero value is not usable; use New.
type Generator struct {
	now    func() time.Time
	random func() int64

	mu   sync.Mutex
	last int64
}

// New returns a Generator reading the given clock. A nil clock means time.Now.
func New(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		now:    now,
		random: func() int64 { return rand.Int64N(randomCeil) },
	}
}

var defaultGenerator = New(nil)

// Generate mints an identifier with the package-level generator.
func Generate() (string, error) {
	return defaultGenerator.Generate()
}

// Generate mints a new identifier. Consecutive calls on one Generator never
// reuse a tick, so their prefixes are strictly increasing.
func (g *Generator) Generate() (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := encode(g.tick()) + suffix(g.random())
		if len(id) == Size {
			return id, nil
		}
	}
	return "", ErrClockOutOfRange
}

// tick returns nanoseconds since Epoch, bumped past the previous value when
// the clock has not advanced.
func (g *Generator) tick() int64 {
	ns := g.now().Sub(Epoch).Nanoseconds()

	g.mu.Lock()
	defer g.mu.Unlock()
	if ns <= g.last {
		ns = g.last + 1
	}
	g.last = ns
	return ns
}

func suffix(r int64) string {
	s := encode(r)
	if len(s) > suffixLen {
		s = s[len(s)-suffixLen:]
	}
	return strings.Repeat(alphabet[:1], suffixLen-len(s)) + s
}

// encode renders a non-negative number in base 62.
func encode(n int64) string {
	if n <= 0 {
		return alphabet[:1]
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// Valid reports whether id has the identifier shape.
func Valid(id string) bool {
	if len(id) != Size {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}
