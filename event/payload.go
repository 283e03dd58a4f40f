package event

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/PyRo1121/hetzner-sub000/errors"
)

// MarketOrder is one live market order from the upstream feed.
type MarketOrder struct {
	OrderID      int64     `json:"Id"`
	ItemID       string    `json:"ItemTypeId"`
	Location     string    `json:"LocationId"`
	Quality      int       `json:"QualityLevel"`
	Enchantment  int       `json:"EnchantmentLevel"`
	UnitPrice    int64     `json:"UnitPriceSilver"`
	Amount       int       `json:"Amount"`
	AuctionType  string    `json:"AuctionType"`
	Expires      time.Time `json:"Expires"`
}

// KillEvent is one player-kill event from the killboard feed.
type KillEvent struct {
	EventID    int64     `json:"EventId"`
	Killer     string    `json:"KillerName"`
	KillerID   string    `json:"KillerId"`
	Victim     string    `json:"VictimName"`
	VictimID   string    `json:"VictimId"`
	KillFame   int64     `json:"TotalVictimKillFame"`
	Timestamp  time.Time `json:"TimeStamp"`
}

// Battle is an aggregate battle report.
type Battle struct {
	BattleID   int64     `json:"BattleId"`
	Name       string    `json:"Name"`
	TotalKills int       `json:"TotalKills"`
	TotalFame  int64     `json:"TotalFame"`
	StartTime  time.Time `json:"StartTime"`
	EndTime    time.Time `json:"EndTime"`
}

// GuildStats is a guild leaderboard snapshot.
type GuildStats struct {
	GuildID     string `json:"GuildId"`
	Name        string `json:"Name"`
	MemberCount int    `json:"MemberCount"`
	KillFame    int64  `json:"KillFame"`
	DeathFame   int64  `json:"DeathFame"`
}

// decodePayload unmarshals the typed payload for a known kind and derives
// the record ID from the payload's own identifier field.
func decodePayload(kind Kind, raw []byte) (any, string, error) {
	wrap := func(err error) error {
		return errors.WrapInvalid(errors.ErrParsingFailed, "event", "decodePayload",
			"unmarshal "+kind.String()+" payload: "+err.Error())
	}

	switch kind {
	case KindMarket:
		var p MarketOrder
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, "", wrap(err)
		}
		id := p.ItemID
		if id == "" && p.OrderID != 0 {
			id = strconv.FormatInt(p.OrderID, 10)
		}
		return p, id, nil
	case KindKills:
		var p KillEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, "", wrap(err)
		}
		var id string
		if p.EventID != 0 {
			id = strconv.FormatInt(p.EventID, 10)
		}
		return p, id, nil
	case KindBattles:
		var p Battle
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, "", wrap(err)
		}
		var id string
		if p.BattleID != 0 {
			id = strconv.FormatInt(p.BattleID, 10)
		}
		return p, id, nil
	case KindGuilds:
		var p GuildStats
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, "", wrap(err)
		}
		return p, p.GuildID, nil
	default:
		return nil, "", errors.WrapInvalid(errors.ErrUnknownKind, "event", "decodePayload",
			"no payload type for kind "+kind.String())
	}
}
