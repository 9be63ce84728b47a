package payment

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"marketplace_checkout/internal/money"
)

// BRCode construit un payload PIX "copia e cola" (EMV MPM) statique.
func BRCode(key, merchant, city, txid string, amount money.Cents) string {
	field := func(id, value string) string {
		return fmt.Sprintf("%s%02d%s", id, len(value), value)
	}
	account := field("00", "br.gov.bcb.pix") + field("01", key)

	var b strings.Builder
	b.WriteString(field("00", "01"))
	b.WriteString(field("26", account))
	b.WriteString(field("52", "0000"))
	b.WriteString(field("53", "986"))
	b.WriteString(field("54", amount.String()))
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", truncate(ascii(merchant), 25)))
	b.WriteString(field("60", truncate(ascii(city), 15)))
	b.WriteString(field("62", field("05", truncate(alnum(txid), 25))))
	b.WriteString("6304")
	return b.String() + fmt.Sprintf("%04X", crc16(b.String()))
}

// crc16 CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func ascii(s string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, s)
}

var boletoBase = time.Date(1997, 10, 7, 0, 0, 0, 0, time.UTC)

// BoletoLine renvoie le code-barres (44) et la ligne digitable (47).
// free doit contenir 25 chiffres (champ libre de la banque).
func BoletoLine(bank string, due time.Time, amount money.Cents, free string) (barcode, line string) {
	days := int(due.UTC().Truncate(24*time.Hour).Sub(boletoBase).Hours() / 24)
	factor := days
	for factor > 9999 {
		factor -= 9000
	}
	body := fmt.Sprintf("%s9%04d%010d%s", bank, factor, int64(amount), free)
	dv := mod11(body)
	barcode = body[:4] + dv + body[4:]

	f1 := barcode[0:4] + barcode[19:24]
	f2 := barcode[24:34]
	f3 := barcode[34:44]
	line = f1 + mod10(f1) + f2 + mod10(f2) + f3 + mod10(f3) + barcode[4:5] + barcode[5:19]
	return barcode, line
}

func mod10(s string) string {
	sum, weight := 0, 2
	for i := len(s) - 1; i >= 0; i-- {
		p := int(s[i]-'0') * weight
		sum += p/10 + p%10
		weight = 3 - weight
	}
	return fmt.Sprint((10 - sum%10) % 10)
}

func mod11(s string) string {
	sum, weight := 0, 2
	for i := len(s) - 1; i >= 0; i-- {
		sum += int(s[i]-'0') * weight
		if weight++; weight > 9 {
			weight = 2
		}
	}
	dv := 11 - sum%11
	if dv == 0 || dv == 10 || dv == 11 {
		dv = 1
	}
	return fmt.Sprint(dv)
}
