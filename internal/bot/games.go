package bot

import (
	"fmt"
	"math/rand"
	"strings"
)

var eightBallAnswers = []string{
	"It is certain.", "Without a doubt.", "Yes, definitely.", "Most likely.",
	"Outlook good.", "Signs point to yes.", "Reply hazy, try again.",
	"Ask again later.", "Better not tell you now.", "Cannot predict now.",
	"Don't count on it.", "My reply is no.", "Outlook not so good.",
	"Very doubtful.",
}

type triviaQuestion struct {
	question string
	answer   string
}

var triviaBank = []triviaQuestion{
	{"What is the capital of France?", "paris"},
	{"How many continents are there?", "7"},
	{"What planet is known as the red planet?", "mars"},
	{"What is the largest ocean on Earth?", "pacific"},
	{"In what year did the first moon landing happen?", "1969"},
	{"What is the chemical symbol for gold?", "au"},
	{"How many sides does a hexagon have?", "6"},
	{"What is the longest river in the world?", "nile"},
	{"Which language has the most native speakers?", "mandarin"},
	{"What is the smallest prime number?", "2"},
}

func pickTrivia(rng *rand.Rand) triviaQuestion {
	return triviaBank[rng.Intn(len(triviaBank))]
}

// answersMatch compares a chat line to a trivia answer, tolerant of
// punctuation and case.
func answersMatch(given, expected string) bool {
	clean := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.Trim(s, ".!?\"' ")
	}
	return clean(given) == clean(expected)
}

var slotSymbols = []string{"🍒", "🍋", "🔔", "💎", "7️⃣"}

// spinSlots returns the reel faces and the payout multiplier applied to the
// wager. Triple match pays 10x, a pair pays 2x.
func spinSlots(rng *rand.Rand) ([3]string, int64) {
	var reels [3]string
	for i := range reels {
		reels[i] = slotSymbols[rng.Intn(len(slotSymbols))]
	}
	switch {
	case reels[0] == reels[1] && reels[1] == reels[2]:
		return reels, 10
	case reels[0] == reels[1] || reels[1] == reels[2] || reels[0] == reels[2]:
		return reels, 2
	}
	return reels, 0
}

// spinRoulette is an even-money red/black bet with a single zero. Returns
// the landed pocket description and whether the bet won.
func spinRoulette(rng *rand.Rand, bet string) (string, bool, error) {
	bet = strings.ToLower(strings.TrimSpace(bet))
	if bet != "red" && bet != "black" {
		return "", false, fmt.Errorf("bet must be red or black")
	}
	pocket := rng.Intn(37)
	if pocket == 0 {
		return "green 0", false, nil
	}
	color := "black"
	if pocket%2 == 1 {
		color = "red"
	}
	return fmt.Sprintf("%s %d", color, pocket), color == bet, nil
}
