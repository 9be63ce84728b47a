package money

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents représente un montant en centimes (unités mineures, BRL).
type Cents int64

var hundred = decimal.NewFromInt(100)

// FromDecimal arrondit au centime le plus proche (half away from zero).
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Parse accepte "85.90", "85,90" ou "85".
func Parse(s string) (Cents, error) {
	s = string(bytes.ReplaceAll([]byte(s), []byte(","), []byte(".")))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("montant invalide %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse est réservé aux constantes et aux tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

func (c Cents) Float64() float64 {
	f, _ := c.Decimal().Float64()
	return f
}

// Percent applique un pourcentage (ex: 10 pour 10%) et arrondit au centime.
func (c Cents) Percent(pct decimal.Decimal) Cents {
	return FromDecimal(c.Decimal().Mul(pct).Div(hundred))
}

// MulDecimal multiplie par un facteur décimal (poids, taux...).
func (c Cents) MulDecimal(f decimal.Decimal) Cents {
	return FromDecimal(c.Decimal().Mul(f))
}

func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON écrit un nombre JSON à deux décimales (85.90).
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepte un nombre ou une chaîne.
func (c *Cents) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*c = 0
		return nil
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
