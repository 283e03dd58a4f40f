// Package event defines the record model flowing through the engine: a
// closed set of record kinds, typed payloads per kind, and an Unknown
// fallback that carries unrecognized payloads untouched.
package event

// Kind identifies one of the record categories the engine tracks. The set
// is closed; payloads that do not match a known kind decode as KindUnknown
// rather than failing.
type Kind int

const (
	KindUnknown Kind = iota
	KindMarket
	KindKills
	KindBattles
	KindGuilds
)

// String returns the wire name of the kind. KindUnknown stringifies as
// "unknown" and is never emitted upstream.
func (k Kind) String() string {
	switch k {
	case KindMarket:
		return "market"
	case KindKills:
		return "kills"
	case KindBattles:
		return "battles"
	case KindGuilds:
		return "guilds"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire discriminator to a Kind. Unrecognized names map to
// KindUnknown, never an error.
func ParseKind(name string) Kind {
	switch name {
	case "market", "marketorders", "market_orders":
		return KindMarket
	case "kills", "killboard":
		return KindKills
	case "battles":
		return KindBattles
	case "guilds", "guild_stats":
		return KindGuilds
	default:
		return KindUnknown
	}
}

// Kinds returns every known kind in a fixed order. KindUnknown is excluded;
// it is a decode fallback, not a subscribable channel.
func Kinds() []Kind {
	return []Kind{KindMarket, KindKills, KindBattles, KindGuilds}
}
