package shipping

import (
	"github.com/shopspring/decimal"

	"marketplace_checkout/internal/money"
)

type Modality string

const (
	Economy Modality = "economy"
	Express Modality = "express"
	Carrier Modality = "carrier"
	Pickup  Modality = "pickup"
)

type Transport int

const (
	Road Transport = iota
	Air
	NoTransport
)

// CubicDivisor est le diviseur cm³ -> kg utilisé par les transporteurs.
func (t Transport) CubicDivisor() int64 {
	if t == Air {
		return 6000
	}
	return 5000
}

type ModalitySpec struct {
	Modality  Modality
	Name      string
	Carrier   string
	Transport Transport
	MinPrice  money.Cents
	// RateRequired : pas de repli tarifaire, la modalité n'est proposée
	// que là où un tarif existe (retrait en point relais).
	RateRequired bool
}

type Zone struct {
	ID     string
	Name   string
	Region string
}

type BaseRate struct {
	Base    money.Cents
	PerKg   money.Cents
	DaysMin int
	DaysMax int
}

type rateKey struct {
	zone     string
	modality Modality
}

// Fees : surtaxes en pourcentage avec plancher (GRIS et ad valorem).
type Fees struct {
	GRISPercent      decimal.Decimal
	GRISMin          money.Cents
	AdValoremPercent decimal.Decimal
	AdValoremMin     money.Cents
}

type postalRange struct {
	from, to int // préfixe CEP sur 5 chiffres
	state    string
}

// Tables regroupe les données de référence statiques du calcul.
type Tables struct {
	ranges      []postalRange
	regions     map[string]string // UF -> région
	zones       map[string]Zone   // région -> zone
	rates       map[rateKey]BaseRate
	Modalities  []ModalitySpec
	Fees        Fees
	DefaultZone Zone
	Fallback    BaseRate
}

func (t *Tables) Rate(zoneID string, m Modality) (BaseRate, bool) {
	r, ok := t.rates[rateKey{zoneID, m}]
	return r, ok
}

// SetRate remplace ou ajoute un tarif (tests, surcharges d'exploitation).
func (t *Tables) SetRate(zoneID string, m Modality, r BaseRate) {
	t.rates[rateKey{zoneID, m}] = r
}

func (t *Tables) DeleteRate(zoneID string, m Modality) {
	delete(t.rates, rateKey{zoneID, m})
}

// Resolve renvoie l'UF et la zone d'un CEP nettoyé (8 chiffres).
func (t *Tables) Resolve(cep string) (state string, zone Zone) {
	prefix := 0
	for _, r := range cep[:5] {
		prefix = prefix*10 + int(r-'0')
	}
	for _, pr := range t.ranges {
		if prefix >= pr.from && prefix <= pr.to {
			state = pr.state
			break
		}
	}
	if z, ok := t.zones[t.regions[state]]; ok {
		return state, z
	}
	return state, t.DefaultZone
}

func DefaultTables() *Tables {
	t := &Tables{
		ranges: []postalRange{
			{1000, 19999, "SP"}, {20000, 28999, "RJ"}, {29000, 29999, "ES"}, {30000, 39999, "MG"},
			{40000, 48999, "BA"}, {49000, 49999, "SE"}, {50000, 56999, "PE"}, {57000, 57999, "AL"},
			{58000, 58999, "PB"}, {59000, 59999, "RN"}, {60000, 63999, "CE"}, {64000, 64999, "PI"},
			{65000, 65999, "MA"}, {66000, 68899, "PA"}, {68900, 68999, "AP"}, {69000, 69299, "AM"},
			{69300, 69399, "RR"}, {69400, 69899, "AM"}, {69900, 69999, "AC"}, {70000, 72799, "DF"},
			{72800, 72999, "GO"}, {73000, 73699, "DF"}, {73700, 76799, "GO"}, {76800, 76999, "RO"},
			{77000, 77999, "TO"}, {78000, 78899, "MT"}, {79000, 79999, "MS"}, {80000, 87999, "PR"},
			{88000, 89999, "SC"}, {90000, 99999, "RS"},
		},
		regions: map[string]string{
			"SP": "sudeste", "RJ": "sudeste", "ES": "sudeste", "MG": "sudeste",
			"PR": "sul", "SC": "sul", "RS": "sul",
			"DF": "centro-oeste", "GO": "centro-oeste", "MT": "centro-oeste", "MS": "centro-oeste",
			"BA": "nordeste", "SE": "nordeste", "PE": "nordeste", "AL": "nordeste", "PB": "nordeste",
			"RN": "nordeste", "CE": "nordeste", "PI": "nordeste", "MA": "nordeste",
			"PA": "norte", "AP": "norte", "AM": "norte", "RR": "norte", "AC": "norte", "RO": "norte", "TO": "norte",
		},
		zones: map[string]Zone{
			"sudeste":      {ID: "sudeste", Name: "Sudeste", Region: "sudeste"},
			"sul":          {ID: "sul", Name: "Sul", Region: "sul"},
			"centro-oeste": {ID: "centro-oeste", Name: "Centro-Oeste", Region: "centro-oeste"},
			"nordeste":     {ID: "nordeste", Name: "Nordeste", Region: "nordeste"},
			"norte":        {ID: "norte", Name: "Norte", Region: "norte"},
		},
		rates: map[rateKey]BaseRate{},
		Modalities: []ModalitySpec{
			{Modality: Economy, Name: "Econômico", Carrier: "Correios PAC", Transport: Road, MinPrice: 1290},
			{Modality: Express, Name: "Expresso", Carrier: "Correios SEDEX", Transport: Air, MinPrice: 1990},
			{Modality: Carrier, Name: "Transportadora", Carrier: "Jadlog", Transport: Road, MinPrice: 1590},
			{Modality: Pickup, Name: "Retirada", Carrier: "Ponto de retirada", Transport: NoTransport, RateRequired: true},
		},
		Fees: Fees{
			GRISPercent:      decimal.RequireFromString("0.3"),
			GRISMin:          50,
			AdValoremPercent: decimal.RequireFromString("0.5"),
			AdValoremMin:     100,
		},
		DefaultZone: Zone{ID: "default", Name: "Brasil", Region: "default"},
		Fallback:    BaseRate{Base: 1990, PerKg: 450, DaysMin: 5, DaysMax: 12},
	}

	set := func(zone string, m Modality, base, perKg money.Cents, dmin, dmax int) {
		t.SetRate(zone, m, BaseRate{Base: base, PerKg: perKg, DaysMin: dmin, DaysMax: dmax})
	}
	set("sudeste", Economy, 1890, 350, 3, 6)
	set("sul", Economy, 2190, 400, 4, 7)
	set("centro-oeste", Economy, 2490, 450, 5, 8)
	set("nordeste", Economy, 2790, 520, 6, 10)
	set("norte", Economy, 3290, 650, 8, 14)

	set("sudeste", Express, 2990, 600, 1, 2)
	set("sul", Express, 3490, 700, 1, 3)
	set("centro-oeste", Express, 3990, 750, 2, 3)
	set("nordeste", Express, 4490, 850, 2, 4)
	set("norte", Express, 5290, 1000, 3, 5)

	// pas de transportadora conventionnée dans le Nord : tarif de repli
	set("sudeste", Carrier, 2490, 250, 4, 7)
	set("sul", Carrier, 2790, 280, 5, 8)
	set("centro-oeste", Carrier, 3190, 320, 6, 9)
	set("nordeste", Carrier, 3590, 360, 7, 12)

	set("sudeste", Pickup, 0, 0, 1, 2)
	return t
}
