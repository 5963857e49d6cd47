package deck

import "math/rand"

type Suit string

const (
	Spades   Suit = "spades"
	Hearts   Suit = "hearts"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
)

// Suits returns the four suits in a fixed order.
func Suits() []Suit {
	return []Suit{Spades, Hearts, Diamonds, Clubs}
}

func ParseSuit(s string) (Suit, bool) {
	switch Suit(s) {
	case Spades, Hearts, Diamonds, Clubs:
		return Suit(s), true
	default:
		return "", false
	}
}

type Color string

const (
	Red   Color = "red"
	Black Color = "black"
)

// Rank runs 2..14 with aces high.
type Rank int

const (
	Jack  Rank = 11
	Queen Rank = 12
	King  Rank = 13
	Ace   Rank = 14
)

type Card struct {
	Suit Suit `json:"suit"`
	Rank Rank `json:"rank"`
}

func (c Card) Color() Color {
	if c.Suit == Hearts || c.Suit == Diamonds {
		return Red
	}
	return Black
}

type Deck []Card

// New returns an ordered 52-card deck.
func New() Deck {
	d := make(Deck, 0, 52)
	for _, s := range Suits() {
		for r := Rank(2); r <= Ace; r++ {
			d = append(d, Card{Suit: s, Rank: r})
		}
	}
	return d
}

// Shuffled returns a freshly shuffled 52-card deck.
func Shuffled() Deck {
	d := New()
	d.Shuffle()
	return d
}

func (d Deck) Shuffle() {
	shuffle(len(d), func(i, j int) { d[i], d[j] = d[j], d[i] })
}

// Draw pops the top card. ok is false on an empty deck.
func (d *Deck) Draw() (Card, bool) {
	if len(*d) == 0 {
		return Card{}, false
	}
	c := (*d)[0]
	*d = (*d)[1:]
	return c, true
}

// stubbed in tests for deterministic orderings
var shuffle = rand.Shuffle
