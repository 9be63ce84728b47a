package payment

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"marketplace_checkout/internal/money"
)

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), crc16("123456789"))
}

func TestBRCode(t *testing.T) {
	code := BRCode("pix@loja.com", "Loja Ção", "São Paulo", "MP-17000", money.MustParse("85.90"))
	assert.True(t, strings.HasPrefix(code, "000201"))
	assert.Contains(t, code, "0014br.gov.bcb.pix0112pix@loja.com")
	assert.Contains(t, code, "540585.90")
	assert.Contains(t, code, "5802BR")
	assert.Contains(t, code, "62110507MP17000")

	body, crc := code[:len(code)-4], code[len(code)-4:]
	assert.True(t, strings.HasSuffix(body, "6304"))
	assert.Len(t, crc, 4)
	assert.Equal(t, crc, strings.ToUpper(crc))
}

func TestBoletoLine(t *testing.T) {
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	barcode, line := BoletoLine("001", due, money.MustParse("85.90"), strings.Repeat("7", 25))
	assert.Len(t, barcode, 44)
	assert.Len(t, line, 47)
	assert.Equal(t, "0019", barcode[:4])
	assert.Equal(t, "0000008590", barcode[9:19])
	assert.Len(t, freeField("MP1"), 25)
	assert.Equal(t, freeField("MP1"), freeField("MP1"))
}
