package orders

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewOrderNumber : "MP" + millisecondes Unix + 4 caractères base36 aléatoires.
// Les numéros sont triables par date de création.
func NewOrderNumber(now time.Time) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36))))
		if err != nil {
			n = big.NewInt(now.UnixNano() % int64(len(base36)))
		}
		suffix[i] = base36[n.Int64()]
	}
	return "MP" + strconv.FormatInt(now.UnixMilli(), 10) + string(suffix)
}
