package domain

// PosDirection is the net direction of a position.
type PosDirection string

const (
	PosLong  PosDirection = "Long"
	PosShort PosDirection = "Short"
	PosNet   PosDirection = "Net"
)

// PosDirectionOf returns the position side an opening order of d builds.
func PosDirectionOf(d OrderDirection) PosDirection {
	if d == DirectionBuy {
		return PosLong
	}
	return PosShort
}

// CloseDirection returns the order side that reduces a position side.
func (p PosDirection) CloseDirection() OrderDirection {
	if p == PosShort {
		return DirectionBuy
	}
	return DirectionSell
}

// PositionLot is one open lot used for FIFO close-profit accounting.
type PositionLot struct {
	Direction PosDirection `json:"direction"`
	Volume    int64        `json:"volume"`
	OpenPrice Price        `json:"openPrice"`
	OpenDate  string       `json:"openDate"`
	Today     bool         `json:"today"`
}

// Position is the holding in one instrument, both sides.
type Position struct {
	Instrument     Instrument    `json:"instrument"`
	Direction      PosDirection  `json:"direction"`
	LongToday      int64         `json:"longToday"`
	LongYesterday  int64         `json:"longYesterday"`
	ShortToday     int64         `json:"shortToday"`
	ShortYesterday int64         `json:"shortYesterday"`
	LongFrozen     int64         `json:"longFrozen"`
	ShortFrozen    int64         `json:"shortFrozen"`
	LongMargin     Price         `json:"longMargin"`
	ShortMargin    Price         `json:"shortMargin"`
	FrozenMargin   Price         `json:"frozenMargin"`
	PositionCost   Price         `json:"positionCost"`
	OpenCost       Price         `json:"openCost"`
	CloseProfit    Price         `json:"closeProfit"`
	PositionProfit Price         `json:"positionProfit"`
	ForceClosed    int64         `json:"forceClosed,omitempty"`
	Lots           []PositionLot `json:"lots,omitempty"`
}

// Volume returns the total volume held on side d.
func (p *Position) Volume(d PosDirection) int64 {
	if d == PosShort {
		return p.ShortToday + p.ShortYesterday
	}
	return p.LongToday + p.LongYesterday
}

// UseMargin returns the margin occupied by both sides.
func (p *Position) UseMargin() Price {
	return p.LongMargin + p.ShortMargin
}

// UpdateDirection recomputes Direction from the side volumes.
func (p *Position) UpdateDirection() {
	long, short := p.Volume(PosLong), p.Volume(PosShort)
	switch {
	case long > 0 && short == 0:
		p.Direction = PosLong
	case short > 0 && long == 0:
		p.Direction = PosShort
	default:
		p.Direction = PosNet
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.Lots != nil {
		c.Lots = append([]PositionLot(nil), p.Lots...)
	}
	return &c
}
