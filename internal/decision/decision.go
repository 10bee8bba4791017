package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/position"
	"github.com/ksred/klear-exec/internal/types"
)

// SchemaVersion is the only payload version Decode accepts.
const SchemaVersion = 2

type Action string

const (
	ActionOpenLong  Action = "OPEN_LONG"
	ActionOpenShort Action = "OPEN_SHORT"
	ActionHold      Action = "HOLD"
	ActionClose     Action = "CLOSE"
)

// Decision is one of OpenLong, OpenShort, Hold or Close.
type Decision interface {
	Action() Action
	Target() string
}

// OpenParams are the risk parameters of a new position.
type OpenParams struct {
	IntentID            string          `json:"intent_id"`
	Symbol              string          `json:"symbol"`
	Leverage            int             `json:"leverage"`
	SizeFraction        float64         `json:"size_fraction"`
	EntryType           types.EntryType `json:"entry_type"`
	EntryPrice          float64         `json:"entry_price,omitempty"`
	EntryTTLSec         int64           `json:"entry_ttl_sec,omitempty"`
	TPPct               float64         `json:"tp_pct"`
	SLPct               float64         `json:"sl_pct"`
	TimeInTradeLimitSec int64           `json:"time_in_trade_limit_sec,omitempty"`
	CooldownSec         int64           `json:"cooldown_sec,omitempty"`
	Rationale           string          `json:"rationale,omitempty"`
}

func (p OpenParams) intent(side types.Side) types.OrderIntent {
	entry := p.EntryType
	if entry == "" {
		entry = types.EntryMarket
	}
	return types.OrderIntent{
		IntentID:            p.IntentID,
		Symbol:              p.Symbol,
		Side:                side,
		Leverage:            p.Leverage,
		SizeFraction:        p.SizeFraction,
		EntryType:           entry,
		EntryPrice:          p.EntryPrice,
		EntryTTLSec:         p.EntryTTLSec,
		TPPct:               p.TPPct,
		SLPct:               p.SLPct,
		TimeInTradeLimitSec: p.TimeInTradeLimitSec,
		CooldownSec:         p.CooldownSec,
	}
}

type OpenLong struct{ OpenParams }

func (OpenLong) Action() Action { return ActionOpenLong }
func (d OpenLong) Target() string { return d.Symbol }
func (d OpenLong) Intent() types.OrderIntent { return d.intent(types.SideLong) }

type OpenShort struct{ OpenParams }

func (OpenShort) Action() Action { return ActionOpenShort }
func (d OpenShort) Target() string { return d.Symbol }
func (d OpenShort) Intent() types.OrderIntent { return d.intent(types.SideShort) }

type Hold struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason,omitempty"`
}

func (Hold) Action() Action { return ActionHold }
func (d Hold) Target() string { return d.Symbol }

type Close struct {
	Symbol string     `json:"symbol"`
	Side   types.Side `json:"side"`
	Reason string     `json:"reason,omitempty"`
}

func (Close) Action() Action { return ActionClose }
func (d Close) Target() string { return d.Symbol }

// Opener is implemented by the variants that open a position.
type Opener interface {
	Decision
	Intent() types.OrderIntent
}

// PositionView is an open position as shown to the collaborator.
type PositionView struct {
	Meta         types.PositionMetadata   `json:"meta"`
	Stop         *types.TrailingStopState `json:"stop,omitempty"`
	MarkPrice    float64                  `json:"mark_price"`
	LeveragedROI float64                  `json:"leveraged_roi_pct"`
}

// Context is what a collaborator is asked to decide on.
type Context struct {
	SchemaVersion int                    `json:"schema_version"`
	Symbol        string                 `json:"symbol"`
	Snapshot      *market.Snapshot       `json:"snapshot,omitempty"`
	Regime        types.RegimeCacheEntry `json:"regime"`
	Confluence    map[string]float64     `json:"confluence,omitempty"`
	Positions     []PositionView         `json:"positions,omitempty"`
	Cooldowns     []types.Cooldown       `json:"cooldowns,omitempty"`
}

// NewPositionView fills in the mark-to-market fields.
func NewPositionView(meta types.PositionMetadata, stop *types.TrailingStopState, mark float64) PositionView {
	return PositionView{
		Meta:         meta,
		Stop:         stop,
		MarkPrice:    mark,
		LeveragedROI: position.LeveragedPnLPct(&meta, mark),
	}
}

type envelope struct {
	SchemaVersion int         `json:"schema_version"`
	Action        Action      `json:"action"`
	Symbol        string      `json:"symbol"`
	Open          *OpenParams `json:"open,omitempty"`
	Close         *Close      `json:"close,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// Decode parses a versioned decision payload. Unknown versions and actions
// are validation errors; there is no alias normalization.
func Decode(data []byte) (Decision, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.NewValidationError("malformed_decision", "decision payload is not valid JSON: %v", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, types.NewValidationError("unsupported_schema_version",
			"decision schema_version %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(env.Symbol) == "" {
		return nil, types.NewValidationError("malformed_decision", "decision has no symbol")
	}

	switch env.Action {
	case ActionOpenLong, ActionOpenShort:
		if env.Open == nil {
			return nil, types.NewValidationError("malformed_decision", "%s without open parameters", env.Action)
		}
		params := *env.Open
		params.Symbol = env.Symbol
		if params.Rationale == "" {
			params.Rationale = env.Reason
		}
		if env.Action == ActionOpenLong {
			return OpenLong{params}, nil
		}
		return OpenShort{params}, nil

	case ActionHold:
		return Hold{Symbol: env.Symbol, Reason: env.Reason}, nil

	case ActionClose:
		if env.Close == nil || !env.Close.Side.Valid() {
			return nil, types.NewValidationError("malformed_decision", "CLOSE needs a side")
		}
		reason := env.Close.Reason
		if reason == "" {
			reason = env.Reason
		}
		return Close{Symbol: env.Symbol, Side: env.Close.Side, Reason: reason}, nil

	default:
		return nil, types.NewValidationError("unknown_action", "unknown decision action %q", env.Action)
	}
}

// Encode renders d in the current schema.
func Encode(d Decision) ([]byte, error) {
	env := envelope{SchemaVersion: SchemaVersion, Action: d.Action(), Symbol: d.Target()}
	switch v := d.(type) {
	case OpenLong:
		p := v.OpenParams
		env.Open = &p
	case OpenShort:
		p := v.OpenParams
		env.Open = &p
	case Hold:
		env.Reason = v.Reason
	case Close:
		c := v
		env.Close = &c
	default:
		return nil, fmt.Errorf("unknown decision type %T", d)
	}
	return json.Marshal(env)
}

func marshalContext(in Context) ([]byte, error) {
	if in.SchemaVersion == 0 {
		in.SchemaVersion = SchemaVersion
	}
	return json.Marshal(in)
}
