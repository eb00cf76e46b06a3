package signaling

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"strings"
)

var adjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
	"golden", "silver", "crimson", "emerald", "purple", "bright", "gentle", "brave", "calm", "swift",
}

var animals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
	"raccoon", "beaver", "seahorse", "dolphin", "narwhal", "penguin", "flamingo", "pelican", "robin", "toucan",
}

var things = []string{
	"sunbeam", "stardust", "muffin", "bubble", "sprout", "marble", "maple", "ember", "pixel", "biscuit",
	"lantern", "puddle", "pebble", "rocket", "comet", "orbit", "nebula", "canyon", "waffle", "dumpling",
}

// newPeerID returns a memorable id such as "sleepy-otter-comet" that taken
// reports as unused.
func newPeerID(taken func(string) bool) string {
	for {
		id := strings.Join([]string{pick(adjectives), pick(animals), pick(things)}, "-")
		if !taken(id) {
			return id
		}
	}
}

// pick returns a cryptographically random element of words.
func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		slog.Error("Failed to generate random index", "error", err)
		return words[0]
	}
	return words[n.Int64()]
}
