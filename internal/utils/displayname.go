package utils

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"
)

const maxDisplayNameLen = 32

// Word lists for generating random display names
var adjectives = []string{
	"Swift", "Brave", "Clever", "Noble", "Mighty", "Silent", "Golden", "Silver",
	"Crystal", "Shadow", "Crimson", "Azure", "Cosmic", "Ancient", "Mystic", "Royal",
	"Fierce", "Gentle", "Wild", "Calm", "Bold", "Wise", "Quick", "Keen",
	"Lunar", "Solar", "Stellar", "Void", "Phantom", "Ghost", "Spirit", "Soul",
	"Thunder", "Winter", "Summer", "Spring", "Autumn", "Night", "Dawn", "Dusk",
}

var nouns = []string{
	"Knight", "Oracle", "Scholar", "Hunter", "Warrior", "Champion", "Falcon",
	"Wolf", "Bear", "Eagle", "Hawk", "Lion", "Tiger", "Dragon", "Phoenix",
	"Guardian", "Sentinel", "Watcher", "Keeper", "Seeker", "Rider", "Walker",
	"Storm", "Blaze", "Frost", "Star", "Comet", "Nova", "Nebula", "Echo",
}

// SanitizeDisplayName trims, strips control characters and bounds the
// length of a client-supplied name. Returns the empty string when nothing
// printable survives.
func SanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxDisplayNameLen {
		runes := []rune(out)
		if len(runes) > maxDisplayNameLen {
			runes = runes[:maxDisplayNameLen]
		}
		out = strings.TrimSpace(string(runes))
	}
	return out
}

// GenerateRandomDisplayName generates a random display name in format "AdjectiveNoun123"
func GenerateRandomDisplayName() string {
	adjective := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	number := rand.Intn(1000) // 0-999
	return fmt.Sprintf("%s%s%d", adjective, noun, number)
}

// DisplayNameOrRandom sanitizes a requested name, falling back to a
// generated one when the request is empty or unusable.
func DisplayNameOrRandom(requested string) string {
	if name := SanitizeDisplayName(requested); name != "" {
		return name
	}
	return GenerateRandomDisplayName()
}
